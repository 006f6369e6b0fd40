package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func benchEntry() AuditEntry {
	return AuditEntry{
		Type:      TypeEnforcement,
		Session:   "tab-bench",
		Domain:    "doubleclick.net",
		Score:     90,
		Requested: "block",
		Effective: "block",
		Confirmed: true,
	}
}

func BenchmarkRecord(b *testing.B) {
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()

	entry := benchEntry()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Record(entry)
	}
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	entry := benchEntry()
	for i := 0; i < n; i++ {
		al.Record(entry)
	}
	al.Close()

	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		result := Verify(path)
		if !result.Valid {
			b.Fatal("invalid chain:", result.Error)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}
