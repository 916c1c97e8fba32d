package pairclient

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prudhvinik1/devicepair/internal/utils"
)

// Fingerprinter derives the stable device fingerprint from the persisted
// install id and a coarse client version.
type Fingerprinter struct {
	storage       Storage
	clientVersion string
	mu            sync.Mutex
}

func NewFingerprinter(storage Storage, clientVersion string) *Fingerprinter {
	return &Fingerprinter{storage: storage, clientVersion: clientVersion}
}

// GetOrCreateInstallID returns the install id, generating and persisting it
// on first use. It never hands out an id that failed to persist.
func (f *Fingerprinter) GetOrCreateInstallID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.storage.Load(installIDKey)
	if err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !errors.Is(err, ErrNoValue) {
		return "", fmt.Errorf("%w: failed to load install id: %v", ErrStorageUnavailable, err)
	}

	id, err := utils.GenerateInstallID()
	if err != nil {
		return "", err
	}
	if err := f.storage.Save(installIDKey, []byte(id)); err != nil {
		return "", fmt.Errorf("%w: failed to save install id: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (f *Fingerprinter) Fingerprint() (string, error) {
	id, err := f.GetOrCreateInstallID()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(id + "|" + CoarseSignal(f.clientVersion)))
	return hex.EncodeToString(sum[:]), nil
}

// CoarseSignal buckets a client version by its major component,
// "4.2.1" -> "v4". Unknown versions collapse into "v0".
func CoarseSignal(version string) string {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	major, _, _ := strings.Cut(version, ".")
	if major == "" {
		return "v0"
	}
	for _, r := range major {
		if r < '0' || r > '9' {
			return "v0"
		}
	}
	return "v" + major
}
