package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadKnowledge(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr string
	}{
		{
			name: "valid",
			body: `chunks:
  - fault_type: knee_valgus
    severity: severe
    title: Hip abductor training
    content: Strengthening the gluteus medius reduces dynamic valgus.
    source: Smith 2019
  - fault_type: heel_rise
    severity: mild
    title: Ankle mobility
    content: Dorsiflexion drills.
`,
			want: 2,
		},
		{
			name:    "unknown fault",
			body:    "chunks:\n  - {fault_type: wobble, severity: mild, title: x, content: y}\n",
			wantErr: "unknown fault type",
		},
		{
			name:    "unknown severity",
			body:    "chunks:\n  - {fault_type: knee_valgus, severity: extreme, title: x, content: y}\n",
			wantErr: "unknown severity",
		},
		{
			name:    "empty content",
			body:    "chunks:\n  - {fault_type: knee_valgus, severity: mild, title: x}\n",
			wantErr: "empty content",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "knowledge.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			chunks, err := loadKnowledge(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("loadKnowledge() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(chunks) != tt.want || chunks[0].Source != "Smith 2019" {
				t.Errorf("chunks = %+v", chunks)
			}
		})
	}
}

func TestEvery(t *testing.T) {
	if got := every(90 * time.Second); got != "@every 1m30s" {
		t.Errorf("every() = %q", got)
	}
}
