package birch

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// run executes RootCmd with args against a fresh backend file under dir,
// capturing whatever the command wrote to os.Stdout (every subcommand
// prints with fmt.Println, not cmd.OutOrStdout, matching cmd/kv/
// commands.go's style).
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	origStdout := os.Stdout
	os.Stdout = w

	full := append([]string{"--backend", "docfile", "--path", filepath.Join(dir, "test.json")}, args...)
	RootCmd.SetArgs(full)
	execErr := RootCmd.Execute()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)

	if execErr != nil {
		t.Fatalf("birch %s: %v (output: %s)", strings.Join(args, " "), execErr, buf.String())
	}
	return buf.String()
}

func TestSetGetHasDelRoundTrip(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "set", "name", "alice")
	if out := run(t, dir, "get", "name"); !strings.Contains(out, "alice") {
		t.Fatalf("get name = %q, want it to contain alice", out)
	}
	if out := run(t, dir, "has", "name"); !strings.Contains(out, "found=true") {
		t.Fatalf("has name = %q, want found=true", out)
	}

	run(t, dir, "del", "name")
	if out := run(t, dir, "has", "name"); !strings.Contains(out, "found=false") {
		t.Fatalf("has name after del = %q, want found=false", out)
	}
}

func TestSetParsesJSONValues(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "set", "age", "30")
	if out := run(t, dir, "get", "age"); strings.TrimSpace(out) != "30" {
		t.Fatalf("get age = %q, want 30", out)
	}
}

func TestAddSubtract(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "set", "balance", "100")
	if out := run(t, dir, "add", "balance", "25"); strings.TrimSpace(out) != "125" {
		t.Fatalf("add balance 25 = %q, want 125", out)
	}
	if out := run(t, dir, "subtract", "balance", "50"); strings.TrimSpace(out) != "75" {
		t.Fatalf("subtract balance 50 = %q, want 75", out)
	}
}

func TestQueryFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()

	run(t, dir, "set", "user:1", `{"name":"alice","age":30}`)
	run(t, dir, "set", "user:2", `{"name":"bob","age":20}`)

	out := run(t, dir, "query", "--prefix", "user:", "--where", "age:>:21")
	if !strings.Contains(out, "alice") || strings.Contains(out, "bob") {
		t.Fatalf("query age>21 = %q, want only alice", out)
	}
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backupPath := filepath.Join(dir, "backup.json")

	run(t, dir, "set", "a", "1")
	run(t, dir, "backup", backupPath)

	run(t, dir, "del", "a")
	if out := run(t, dir, "has", "a"); !strings.Contains(out, "found=false") {
		t.Fatalf("expected a to be deleted, got %q", out)
	}

	run(t, dir, "restore", backupPath)
	if out := run(t, dir, "has", "a"); !strings.Contains(out, "found=true") {
		t.Fatalf("expected restore to bring a back, got %q", out)
	}
}

func TestLockUnlockRoundTrip(t *testing.T) {
	dir := t.TempDir()

	out := run(t, dir, "lock", "resource:1")
	if !strings.Contains(out, "acquired, owner=") {
		t.Fatalf("lock resource:1 = %q, want an acquired owner token", out)
	}
	owner := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "acquired, owner="))

	contended := run(t, dir, "lock", "resource:1")
	if !strings.Contains(contended, "held by another owner") {
		t.Fatalf("second lock resource:1 = %q, want contended", contended)
	}

	released := run(t, dir, "unlock", "resource:1", owner)
	if !strings.Contains(released, "released") {
		t.Fatalf("unlock resource:1 = %q, want released", released)
	}
}
