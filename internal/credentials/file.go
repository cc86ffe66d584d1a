package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const fileFormatVersion = 1

// FileStore keeps one token file per identity inside Dir. When Passphrase is
// set the token is sealed before it touches disk.
type FileStore struct {
	Dir        string
	Passphrase string
}

type tokenFile struct {
	Version  int     `json:"version"`
	Identity string  `json:"identity"`
	Token    *Token  `json:"token,omitempty"`
	Sealed   *sealed `json:"sealed,omitempty"`
}

func NewFileStore(dir, passphrase string) *FileStore {
	return &FileStore{Dir: dir, Passphrase: passphrase}
}

// Path returns the token file location for identity.
func (s *FileStore) Path(identity string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(identity)))
	return filepath.Join(s.Dir, "token-"+hex.EncodeToString(sum[:8])+".json")
}

func (s *FileStore) Load(identity string) (Token, error) {
	key := strings.TrimSpace(identity)
	if key == "" {
		return Token{}, ErrIdentityMissing
	}
	path := s.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("credentials.FileStore read failed")
		}
		return Token{}, ErrNotFound
	}
	tok, err := s.decode(key, data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("credentials.FileStore discarding unreadable token")
		return Token{}, ErrNotFound
	}
	return tok, nil
}

func (s *FileStore) decode(identity string, data []byte) (Token, error) {
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Token{}, err
	}
	if f.Version != fileFormatVersion {
		return Token{}, fmt.Errorf("unsupported version %d", f.Version)
	}
	if f.Identity != identity {
		return Token{}, fmt.Errorf("identity mismatch")
	}
	var tok Token
	switch {
	case f.Sealed != nil:
		plain, err := unseal(f.Sealed, s.Passphrase)
		if err != nil {
			return Token{}, err
		}
		if err := json.Unmarshal(plain, &tok); err != nil {
			return Token{}, err
		}
	case f.Token != nil:
		tok = *f.Token
	default:
		return Token{}, fmt.Errorf("empty token file")
	}
	if err := tok.Validate(); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Save replaces the token file atomically: the new content is written and
// synced to a temp file in Dir, then renamed over the old one.
func (s *FileStore) Save(identity string, token Token) error {
	key := strings.TrimSpace(identity)
	if key == "" {
		return ErrIdentityMissing
	}
	if err := token.Validate(); err != nil {
		return err
	}

	f := tokenFile{Version: fileFormatVersion, Identity: key}
	if s.Passphrase != "" {
		plain, err := json.Marshal(token)
		if err != nil {
			return err
		}
		sl, err := seal(plain, s.Passphrase)
		if err != nil {
			return err
		}
		f.Sealed = sl
	} else {
		f.Token = &token
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return fmt.Errorf("credentials: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.Dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("credentials: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("credentials: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("credentials: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("credentials: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return fmt.Errorf("credentials: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		cleanup()
		return fmt.Errorf("credentials: replace token: %w", err)
	}
	log.Debug().Str("path", s.Path(key)).Bool("sealed", f.Sealed != nil).Msg("credentials.FileStore saved token")
	return nil
}
