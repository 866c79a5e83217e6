package store

import (
	"fmt"
	"strings"

	"github.com/wxkj99/na-quiz/internal/model"
)

// LoadAPIConfig reads the API configuration from the store. A
// user-supplied endpoint and key take effect together; otherwise the
// default gateway plus the stored invite code is used.
func LoadAPIConfig(kv KV) (model.APIConfig, error) {
	get := func(key string) (string, error) {
		v, _, err := kv.Get(key)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", key, err)
		}
		return strings.TrimSpace(v), nil
	}

	url, err := get(model.KeyAPIURL)
	if err != nil {
		return model.APIConfig{}, err
	}
	key, err := get(model.KeyAPIKey)
	if err != nil {
		return model.APIConfig{}, err
	}
	name, err := get(model.KeyAPIModel)
	if err != nil {
		return model.APIConfig{}, err
	}
	typ, err := get(model.KeyAPIType)
	if err != nil {
		return model.APIConfig{}, err
	}
	invite, err := get(model.KeyInvite)
	if err != nil {
		return model.APIConfig{}, err
	}
	sendAnswer, _, err := kv.Get(model.KeySendAnswer)
	if err != nil {
		return model.APIConfig{}, fmt.Errorf("read %s: %w", model.KeySendAnswer, err)
	}

	cfg := model.DefaultAPIConfig()
	cfg.SendAnswer = sendAnswer != "false"
	if url != "" && key != "" {
		cfg.BaseURL = strings.TrimRight(url, "/")
		cfg.APIKey = key
		cfg.Provider = model.ParseProvider(typ)
		if name != "" {
			cfg.Model = name
		}
		return cfg, nil
	}
	cfg.Invite = invite
	return cfg, nil
}

// SaveAPIConfig persists the configuration fields under their store keys.
func SaveAPIConfig(kv KV, cfg model.APIConfig) error {
	sendAnswer := "true"
	if !cfg.SendAnswer {
		sendAnswer = "false"
	}
	pairs := map[string]string{
		model.KeyAPIURL:     strings.TrimSpace(cfg.BaseURL),
		model.KeyAPIKey:     strings.TrimSpace(cfg.APIKey),
		model.KeyAPIModel:   strings.TrimSpace(cfg.Model),
		model.KeyAPIType:    string(cfg.Provider),
		model.KeyInvite:     strings.TrimSpace(cfg.Invite),
		model.KeySendAnswer: sendAnswer,
	}
	for key, value := range pairs {
		if err := kv.Set(key, value); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

// ResetAPIConfig deletes every stored configuration key.
func ResetAPIConfig(kv KV) error {
	for _, key := range model.APIConfigKeys {
		if err := kv.Delete(key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
