// Backup/restore. Grounded on maple.go's Save/Load (buffered streaming
// writer/reader over a magic-header binary envelope), translated here
// from that binary wire format to a text/JSON envelope. Backend values
// are already codec-encoded JSON text, so a backup's "data" object is
// built by splicing each entry's already-encoded value in verbatim
// rather than decoding and re-marshaling it — a single pass falls out of
// that for free, since nothing needs materializing beyond the one entry
// currently being written.
package kv

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/birchdb/birch/pkg/backend"
	"github.com/birchdb/birch/pkg/codec"
)

const (
	backupExtension         = ".json"
	backupVersion           = "1.0.0"
	backupTimestampLayout   = time.RFC3339
	streamingParseThreshold = 100 * 1024 * 1024 // 100 MiB
	defaultBackupTimeout    = 5 * time.Minute
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Merge unions the backup's entries with the backend's current
	// contents instead of replacing them outright; on key conflict the
	// incoming (backed-up) value wins.
	Merge bool
}

// BackupInfo describes one backup file, as returned by ListBackups.
type BackupInfo struct {
	File      string
	Path      string
	Version   string
	Timestamp time.Time
	Entries   int
	Size      int64
}

// rawEnvelope is the backup file's top-level shape. Data is left as
// json.RawMessage per value so validateEnvelope can check each value for
// undefined-ness without decoding+re-encoding it — the raw bytes are
// already the backend's native encoded-text form.
type rawEnvelope struct {
	Version   string                     `json:"version"`
	Timestamp string                     `json:"timestamp"`
	Data      map[string]json.RawMessage `json:"data"`
	Entries   *int                       `json:"entries"`
}

// Backup flushes the coalescer, then streams every backend entry into a
// single JSON document {version, timestamp, data, entries} at path, with
// owner-only permissions where the host honors file mode bits. The write
// is fully streamed: at most one entry's encoded text is ever held beyond
// what bufio.Writer itself buffers.
func (s *Store) Backup(ctx context.Context, path string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	octx, cancel := context.WithTimeout(ctx, defaultBackupTimeout)
	defer cancel()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return writeError("failed to open backup file", err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	header := fmt.Sprintf(`{"version":%s,"timestamp":%s,"data":{`,
		jsonString(backupVersion), jsonString(time.Now().UTC().Format(backupTimestampLayout)))
	if _, err := bw.WriteString(header); err != nil {
		return writeError("backup write failed", err)
	}

	count := 0
	var writeErr error
	streamErr := s.be.StreamEntries(octx, "", func(e backend.Entry) bool {
		keyJSON, merr := json.Marshal(e.Key)
		if merr != nil {
			writeErr = merr
			return false
		}
		if count > 0 {
			if _, werr := bw.WriteString(","); werr != nil {
				writeErr = werr
				return false
			}
		}
		if _, werr := bw.Write(keyJSON); werr != nil {
			writeErr = werr
			return false
		}
		if _, werr := bw.WriteString(":"); werr != nil {
			writeErr = werr
			return false
		}
		if _, werr := bw.WriteString(e.Value); werr != nil {
			writeErr = werr
			return false
		}
		count++
		return true
	})
	if streamErr != nil {
		return readError("backend read failed", streamErr)
	}
	if writeErr != nil {
		return writeError("backup write failed", writeErr)
	}

	if _, err := fmt.Fprintf(bw, `},"entries":%d}`, count); err != nil {
		return writeError("backup write failed", err)
	}
	if err := bw.Flush(); err != nil {
		return writeError("backup write failed", err)
	}
	log.Infof("backup %s: %d entries", path, count)
	return nil
}

// Restore loads path, validates its envelope, optionally merges it over
// the backend's current contents (incoming entries win ties), writes the
// result through WriteAll, and clears the cache. The whole operation runs
// under a 5-minute default timeout.
func (s *Store) Restore(ctx context.Context, path string, opts RestoreOptions) error {
	octx, cancel := context.WithTimeout(ctx, defaultBackupTimeout)
	defer cancel()

	env, err := loadEnvelope(path)
	if err != nil {
		return readError("failed to read backup file", err)
	}
	incoming, err := validateEnvelope(env)
	if err != nil {
		return err
	}

	data := incoming
	if opts.Merge {
		existing, err := s.be.ReadAll(octx)
		if err != nil {
			return readError("backend read failed", err)
		}
		data = make(map[string]string, len(existing)+len(incoming))
		for _, e := range existing {
			data[e.Key] = e.Value
		}
		for k, v := range incoming {
			data[k] = v
		}
	}

	entries := make([]backend.Entry, 0, len(data))
	for k, v := range data {
		entries = append(entries, backend.Entry{Key: k, Value: v})
	}
	if err := s.be.WriteAll(octx, entries); err != nil {
		return writeError("restore write failed", err)
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	return nil
}

// loadEnvelope parses path's envelope, decoding straight from the open
// file with a json.Decoder for anything over the 100 MiB threshold and
// with a single full read+unmarshal otherwise.
func loadEnvelope(path string) (rawEnvelope, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return rawEnvelope{}, err
	}

	var env rawEnvelope
	if fi.Size() > streamingParseThreshold {
		f, err := os.Open(path)
		if err != nil {
			return rawEnvelope{}, err
		}
		defer f.Close()
		if err := json.NewDecoder(f).Decode(&env); err != nil {
			return rawEnvelope{}, err
		}
		return env, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return rawEnvelope{}, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return rawEnvelope{}, err
	}
	return env, nil
}

// validateEnvelope enforces the backup envelope's structural rules
// (semver version, parseable timestamp, a data mapping whose declared
// entry count matches, no undefined values) and returns the validated
// data as key→encoded-text, ready to hand to WriteAll.
func validateEnvelope(env rawEnvelope) (map[string]string, error) {
	if !semverPattern.MatchString(env.Version) {
		return nil, invalidValue("backup version is not a valid MAJOR.MINOR.PATCH string")
	}
	if _, err := time.Parse(backupTimestampLayout, env.Timestamp); err != nil {
		return nil, invalidValue("backup timestamp does not parse as an instant")
	}
	if env.Data == nil {
		return nil, invalidValue("backup is missing its data mapping")
	}
	if env.Entries != nil && *env.Entries != len(env.Data) {
		return nil, invalidValue("backup entries count does not match its data mapping")
	}

	out := make(map[string]string, len(env.Data))
	for k, raw := range env.Data {
		if err := validateKey(k); err != nil {
			return nil, err
		}
		text := string(raw)
		if isUndefined(codec.Decode(text)) {
			return nil, invalidValue(fmt.Sprintf("backup value for key %q is undefined", k))
		}
		out[k] = text
	}
	return out, nil
}

// ListBackups enumerates dir's mapping-extension (.json) files, validates
// each envelope's version and timestamp, skips invalid files with a
// warning, and returns the rest sorted by timestamp descending.
func (s *Store) ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, readError("failed to read backup directory", err)
	}

	out := make([]BackupInfo, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != backupExtension {
			continue
		}
		path := filepath.Join(dir, de.Name())
		info, err := inspectBackupFile(path)
		if err != nil {
			log.Warnf("listBackups: skipping %s: %v", path, err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func inspectBackupFile(path string) (BackupInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return BackupInfo{}, err
	}
	defer f.Close()

	var meta struct {
		Version   string `json:"version"`
		Timestamp string `json:"timestamp"`
		Entries   int    `json:"entries"`
	}
	if err := json.NewDecoder(f).Decode(&meta); err != nil {
		return BackupInfo{}, err
	}
	if !semverPattern.MatchString(meta.Version) {
		return BackupInfo{}, fmt.Errorf("invalid version %q", meta.Version)
	}
	ts, err := time.Parse(backupTimestampLayout, meta.Timestamp)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("invalid timestamp %q: %w", meta.Timestamp, err)
	}

	fi, err := f.Stat()
	if err != nil {
		return BackupInfo{}, err
	}
	return BackupInfo{
		File:      filepath.Base(path),
		Path:      path,
		Version:   meta.Version,
		Timestamp: ts,
		Entries:   meta.Entries,
		Size:      fi.Size(),
	}, nil
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
