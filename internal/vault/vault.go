// Package vault provides the local secret store for the passport consumer.
// Secrets (the management-plane API key and the consumer participant id)
// live in a YAML file outside the main configuration and are hot-reloaded
// when the file changes on disk.
package vault

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/zjrosen/passport-consumer/internal/log"
)

// Well-known secret keys.
const (
	KeyAPIKey        = "edc.apiKey"
	KeyParticipantID = "edc.participantId"
)

// Vault reads secrets from a YAML file and serves them to the engine.
// Reads are served from memory; the file is re-read when fsnotify reports
// a write.
type Vault struct {
	path string

	mu      sync.RWMutex
	secrets map[string]string

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// Open loads the secret file at path. The file must exist and parse.
func Open(path string) (*Vault, error) {
	v := &Vault{
		path:    path,
		secrets: make(map[string]string),
		done:    make(chan struct{}),
	}
	if err := v.reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// GetSecret returns the secret for key, or an error naming the key when
// it is unset.
func (v *Vault) GetSecret(key string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	// viper normalizes keys to lower case on read.
	secret, ok := v.secrets[strings.ToLower(key)]
	if !ok || secret == "" {
		return "", fmt.Errorf("secret %q is not set in %s", key, v.path)
	}
	return secret, nil
}

// Watch starts hot-reloading the secret file. Reload failures keep the
// previous secrets and are logged. Call Close to stop watching.
func (v *Vault) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := fsw.Add(filepath.Dir(v.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching vault directory: %w", err)
	}

	v.fsWatcher = fsw
	go v.loop()
	return nil
}

// Close stops the watcher if one is running.
func (v *Vault) Close() error {
	close(v.done)
	if v.fsWatcher != nil {
		return v.fsWatcher.Close()
	}
	return nil
}

func (v *Vault) loop() {
	var timer *time.Timer
	const debounce = 250 * time.Millisecond

	for {
		select {
		case event, ok := <-v.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(v.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := v.reload(); err != nil {
					log.ErrorErr(log.CatVault, "secret reload failed, keeping previous secrets", err)
					return
				}
				log.Info(log.CatVault, "secrets reloaded", "path", v.path)
			})

		case err, ok := <-v.fsWatcher.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatVault, "vault watcher error", err)

		case <-v.done:
			return
		}
	}
}

func (v *Vault) reload() error {
	reader := viper.New()
	reader.SetConfigFile(v.path)
	reader.SetConfigType("yaml")
	if err := reader.ReadInConfig(); err != nil {
		return fmt.Errorf("reading vault file: %w", err)
	}

	secrets := make(map[string]string)
	for _, key := range reader.AllKeys() {
		secrets[key] = reader.GetString(key)
	}

	v.mu.Lock()
	v.secrets = secrets
	v.mu.Unlock()
	return nil
}
