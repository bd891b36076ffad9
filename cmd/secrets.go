// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"errors"

	"github.com/rs/zerolog/log"

	"tagrouter/cli/internal/keychain"
)

// secret is a credential together with where it was found.
type secret struct {
	Value  string
	Source string
}

// resolveSecret prefers the value from config or environment and falls
// back to the OS keychain. A missing keychain is not an error.
func resolveSecret(fromEnv, envSource, key string) secret {
	if fromEnv != "" {
		return secret{Value: fromEnv, Source: envSource}
	}
	km, err := keychain.GetManager()
	if err != nil {
		log.Debug().Err(err).Msg("keychain unavailable")
		return secret{}
	}
	v, err := km.Load(key)
	if err != nil {
		if !errors.Is(err, keychain.ErrNotFound) {
			log.Debug().Err(err).Str("key", key).Msg("keychain read failed")
		}
		return secret{}
	}
	return secret{Value: v, Source: "OS keychain"}
}

func databaseDSN() secret {
	return resolveSecret(cfg.DB.DSN, "TAGROUTER_DSN / DATABASE_URL", keychain.KeyDBDSN)
}

func modelAPIKey() secret {
	return resolveSecret(cfg.LLM.APIKey, "OPENAI_API_KEY / TAGROUTER_LLM_KEY", keychain.KeyLLMAPIKey)
}

func redisURL() secret {
	return resolveSecret(cfg.Cache.RedisURL, "config or REDIS_URL", keychain.KeyRedisURL)
}
