// Package store persists the per-owner selfie state: one reference ("base")
// image per owner plus the last-trigger timestamp map. All state lives in
// plain JSON files under a data directory; index writes are full
// read-modify-write rewrites with no cross-process locking.
package store

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/moekira/selfiebot/internal/logger"
)

// ErrInvalidImageData marks a base image payload that could not be decoded
// or decoded to zero bytes.
var ErrInvalidImageData = errors.New("base image is not valid base64 image data")

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// SafeID sanitizes a scope identifier to a filesystem-safe token:
// alphanumerics, underscore, dot and dash survive, everything else becomes
// an underscore, truncated to 120 characters.
func SafeID(value string) string {
	if value == "" {
		value = "unknown"
	}
	cleaned := unsafeIDChars.ReplaceAllString(value, "_")
	if len(cleaned) > 120 {
		cleaned = cleaned[:120]
	}
	return cleaned
}

// StripDataURI removes a data:...;base64, prefix when present and trims
// surrounding whitespace.
func StripDataURI(value string) string {
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "data:") {
		if idx := strings.Index(value, ","); idx >= 0 {
			return strings.TrimSpace(value[idx+1:])
		}
	}
	return strings.TrimSpace(value)
}

// GuessImageExt sniffs the image format from magic bytes. Unknown payloads
// default to PNG.
func GuessImageExt(imageBytes []byte) string {
	switch {
	case bytes.HasPrefix(imageBytes, []byte{0xff, 0xd8, 0xff}):
		return ".jpg"
	case bytes.HasPrefix(imageBytes, []byte("\x89PNG\r\n\x1a\n")):
		return ".png"
	case bytes.HasPrefix(imageBytes, []byte("GIF87a")), bytes.HasPrefix(imageBytes, []byte("GIF89a")):
		return ".gif"
	case bytes.HasPrefix(imageBytes, []byte("RIFF")) && bytes.Contains(imageBytes[:min(len(imageBytes), 16)], []byte("WEBP")):
		return ".webp"
	default:
		return ".png"
	}
}

// OwnerKey derives the persisted-state key for a scope. scope "user" keys
// state by the resolved person id, anything else by the chat id.
func OwnerKey(scope, chatID, personID string) string {
	if scope == "user" {
		return "user_" + SafeID(personID)
	}
	return "chat_" + SafeID(chatID)
}

// Store is the file-backed content store.
type Store struct {
	dataDir  string
	baseDir  string
	metaFile string
	rateFile string
}

// New creates the store rooted at dataDir, creating the directories it
// needs.
func New(dataDir string) (*Store, error) {
	s := &Store{
		dataDir:  dataDir,
		baseDir:  filepath.Join(dataDir, "base_images"),
		metaFile: filepath.Join(dataDir, "base_images.json"),
		rateFile: filepath.Join(dataDir, "rate_limit.json"),
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create base image directory %s", s.baseDir)
	}
	return s, nil
}

// DataDir returns the root data directory, shared with the rate limiter.
func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) readJSON(path string) map[string]json.RawMessage {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]json.RawMessage{}
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		// Corrupt state files read as empty rather than failing the call.
		logger.StoreWarn("Ignoring unreadable state file %s: %v", path, err)
		return map[string]json.RawMessage{}
	}
	return out
}

func (s *Store) writeJSON(path string, value interface{}) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state file")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write state file %s", path)
	}
	return nil
}

func (s *Store) readIndex() map[string]string {
	raw := s.readJSON(s.metaFile)
	index := make(map[string]string, len(raw))
	for k, v := range raw {
		var name string
		if err := json.Unmarshal(v, &name); err == nil {
			index[k] = name
		}
	}
	return index
}

func decodeBase64(raw string) ([]byte, error) {
	compact := strings.Join(strings.Fields(raw), "")
	if decoded, err := base64.StdEncoding.DecodeString(compact); err == nil {
		return decoded, nil
	}
	// Tolerate missing padding.
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(compact, "="))
}

// SaveBaseImage decodes the payload (data URIs accepted), sniffs the
// format, writes the file as <ownerKey><ext> and updates the index. A
// previous image for the owner with a different filename is deleted first.
// Returns the stored path.
func (s *Store) SaveBaseImage(ownerKey, imageBase64 string) (string, error) {
	raw := StripDataURI(imageBase64)
	imageBytes, err := decodeBase64(raw)
	if err != nil {
		return "", errors.Wrap(ErrInvalidImageData, err.Error())
	}
	if len(imageBytes) == 0 {
		return "", ErrInvalidImageData
	}

	ext := GuessImageExt(imageBytes)
	filename := SafeID(ownerKey) + ext
	outPath := filepath.Join(s.baseDir, filename)

	index := s.readIndex()
	if oldName, ok := index[ownerKey]; ok && oldName != filename {
		oldPath := filepath.Join(s.baseDir, oldName)
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			logger.StoreWarn("Owner[%s]: failed to remove previous base image %s: %v", ownerKey, oldPath, err)
		}
	}

	if err := os.WriteFile(outPath, imageBytes, 0o644); err != nil {
		return "", errors.Wrapf(err, "write base image %s", outPath)
	}
	index[ownerKey] = filename
	if err := s.writeJSON(s.metaFile, index); err != nil {
		return "", err
	}
	logger.StoreInfo("Owner[%s]: base image saved as %s (%d bytes)", ownerKey, filename, len(imageBytes))
	return outPath, nil
}

// BaseImagePath resolves the current base image file for an owner. Index
// entries are not trusted blindly; the file must still exist on disk.
func (s *Store) BaseImagePath(ownerKey string) (string, bool) {
	index := s.readIndex()
	filename, ok := index[ownerKey]
	if !ok || filename == "" {
		return "", false
	}
	path := filepath.Join(s.baseDir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// HasBaseImage reports whether an owner has a readable base image.
func (s *Store) HasBaseImage(ownerKey string) bool {
	_, ok := s.BaseImagePath(ownerKey)
	return ok
}

// ReadBaseImage returns the owner's base image as a base64 string, or
// ok=false when no record exists or the file is gone.
func (s *Store) ReadBaseImage(ownerKey string) (string, bool) {
	path, ok := s.BaseImagePath(ownerKey)
	if !ok {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.StoreWarn("Owner[%s]: base image %s unreadable: %v", ownerKey, path, err)
		return "", false
	}
	return base64.StdEncoding.EncodeToString(data), true
}

// ClearBaseImage removes the owner's index entry and file. Idempotent: the
// second call returns false.
func (s *Store) ClearBaseImage(ownerKey string) (bool, error) {
	index := s.readIndex()
	filename, ok := index[ownerKey]
	delete(index, ownerKey)
	if err := s.writeJSON(s.metaFile, index); err != nil {
		return false, err
	}
	if !ok || filename == "" {
		return false, nil
	}
	path := filepath.Join(s.baseDir, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.StoreWarn("Owner[%s]: failed to remove base image %s: %v", ownerKey, path, err)
	}
	logger.StoreInfo("Owner[%s]: base image cleared", ownerKey)
	return true, nil
}

// LastTrigger returns the owner's last successful trigger time as unix
// seconds, 0 when absent.
func (s *Store) LastTrigger(ownerKey string) float64 {
	raw := s.readJSON(s.rateFile)
	v, ok := raw[ownerKey]
	if !ok {
		return 0
	}
	var ts float64
	if err := json.Unmarshal(v, &ts); err != nil {
		return 0
	}
	return ts
}

// SetLastTrigger records the owner's last successful trigger time.
func (s *Store) SetLastTrigger(ownerKey string, ts float64) error {
	raw := s.readJSON(s.rateFile)
	encoded, err := json.Marshal(ts)
	if err != nil {
		return errors.Wrap(err, "encode trigger timestamp")
	}
	raw[ownerKey] = encoded
	return s.writeJSON(s.rateFile, raw)
}
