// Package config provides configuration loading and database bootstrapping.
package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"

	kestrel "github.com/kestrelproxy/kestrel/internal"
	"github.com/kestrelproxy/kestrel/internal/storage"
)

// Bootstrap seeds the database from the config file on first run.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	for _, g := range cfg.Groups {
		existing, _ := store.GetGroup(ctx, g.ID)
		if existing != nil {
			continue
		}
		overrides, err := g.MarshalParamOverrides()
		if err != nil {
			return err
		}
		var proxy *kestrel.ForwardProxyConfig
		if g.ProxyURL != "" {
			proxy = &kestrel.ForwardProxyConfig{URL: g.ProxyURL}
		}
		group := &kestrel.Group{
			ID:              g.ID,
			Name:            g.Name,
			Kind:            kestrel.ProviderKind(g.Kind),
			BaseURL:         g.BaseURL,
			APIKeys:         g.APIKeys,
			Balance:         kestrel.BalancePolicy(g.BalancePolicy),
			Retry:           g.RetryCount,
			ConnectTimeout:  g.ResolvedConnectTimeout(),
			ResponseTimeout: g.ResolvedResponseTimeout(),
			RPMLimit:        g.RPMLimit,
			TestModel:       g.TestModel,
			Proxy:           proxy,
			ParamOverrides:  overrides,
			Headers:         g.Headers,
			Aliases:         g.Aliases,
			Models:          g.Models,
			FakeStreaming:   g.FakeStreaming,
			Hosting:         g.Hosting,
			Region:          g.Region,
			Project:         g.Project,
			Priority:        g.Priority,
			Enabled:         g.IsEnabled(),
		}
		if err := store.CreateGroup(ctx, group); err != nil {
			return err
		}
		slog.Info("bootstrapped group", "id", group.ID, "name", group.Name)
	}

	for _, k := range cfg.ProxyKeys {
		if k.Token == "" {
			continue
		}
		hash := kestrel.HashKey(k.Token)
		existing, _ := store.GetProxyKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}
		key := &kestrel.ProxyKey{
			ID:              uuid.Must(uuid.NewV7()).String(),
			TokenHash:       hash,
			Name:            k.Name,
			Description:     k.Description,
			PermittedGroups: k.AllowedGroups,
			GroupBalance:    kestrel.BalancePolicy(k.GroupBalance),
			GroupWeights:    k.GroupWeights,
			RPMLimit:        k.RPMLimit,
			Enabled:         k.IsEnabled(),
		}
		if err := store.CreateProxyKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped proxy key", "name", key.Name)
	}
	return nil
}

// GenerateAdminKey creates a random admin proxy key and returns the plaintext.
func GenerateAdminKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return kestrel.ProxyKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
