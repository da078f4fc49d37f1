package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"clubhub.app/internal/auth"
)

type seedUser struct {
	Email        string   `yaml:"email"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
	ClubID       string   `yaml:"club_id"`
	TeamIDs      []string `yaml:"team_ids"`
	Disabled     bool     `yaml:"disabled"`
}

type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedResult struct {
	Created int
	Skipped int
}

func loadSeedFile(path string) ([]seedUser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return parseSeed(data)
}

func parseSeed(data []byte) ([]seedUser, error) {
	var f seedFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, u := range f.Users {
		if strings.TrimSpace(u.Email) == "" {
			return nil, fmt.Errorf("users[%d]: email is required", i)
		}
		if (u.Password == "") == (u.PasswordHash == "") {
			return nil, fmt.Errorf("users[%d]: exactly one of password or password_hash is required", i)
		}
		if len(u.Roles) == 0 {
			return nil, fmt.Errorf("users[%d]: at least one role is required", i)
		}
	}
	return f.Users, nil
}

// seedUsers creates every listed user. Existing emails are skipped.
func seedUsers(ctx context.Context, store auth.UserStore, hasher *auth.Hasher, users []seedUser) (seedResult, error) {
	var res seedResult
	for _, u := range users {
		roles, err := auth.ParseRoles(u.Roles)
		if err != nil {
			return res, fmt.Errorf("%s: %w", u.Email, err)
		}
		hash := u.PasswordHash
		if hash == "" {
			if hash, err = hasher.HashPassword(u.Password); err != nil {
				return res, fmt.Errorf("%s: %w", u.Email, err)
			}
		}
		status := auth.UserStatusActive
		if u.Disabled {
			status = auth.UserStatusDisabled
		}
		_, err = store.CreateUser(ctx, auth.User{
			Email:        u.Email,
			PasswordHash: hash,
			Roles:        roles,
			ClubID:       strings.TrimSpace(u.ClubID),
			TeamIDs:      u.TeamIDs,
			Status:       status,
		})
		if errors.Is(err, auth.ErrConflict) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("%s: %w", u.Email, err)
		}
		res.Created++
	}
	return res, nil
}
