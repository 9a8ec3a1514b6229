package main

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/gateway-fm/poolreplay/internal/config"
)

// captureOutput runs fn with stdout and stderr redirected to pipes and
// returns what each received.
func captureOutput(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	origOut, origErr := os.Stdout, os.Stderr
	os.Stdout, os.Stderr = outW, errW
	defer func() { os.Stdout, os.Stderr = origOut, origErr }()

	fn()

	outW.Close()
	errW.Close()
	outBytes, _ := io.ReadAll(outR)
	errBytes, _ := io.ReadAll(errR)
	return string(outBytes), string(errBytes)
}

func TestResultOutputCarriesNoLogs(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			cfg := config.Default()
			cfg.LogFormat = format
			cfg.LogLevel = "debug"

			stdout, stderr := captureOutput(t, func() {
				logger := newLogger(cfg)
				logger.Info("events loaded", "events", 3)
				if err := printJSON(map[string]int{"events": 3}); err != nil {
					t.Errorf("printJSON: %v", err)
				}
				logger.Debug("run stage", "stage", "completed")
			})

			var result map[string]int
			if err := json.Unmarshal([]byte(stdout), &result); err != nil {
				t.Fatalf("stdout is not a single JSON document: %v\n%s", err, stdout)
			}
			if result["events"] != 3 {
				t.Errorf("result = %v", result)
			}
			if !strings.Contains(stderr, "events loaded") || !strings.Contains(stderr, "run stage") {
				t.Errorf("stderr missing log lines:\n%s", stderr)
			}
		})
	}
}
