package testutil

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kasbohm/fmriprep/internal/tool"
)

// StubLauncher records external invocations and materializes each declared
// output instead of spawning a process. Image outputs (.nii/.nii.gz) are
// written as minimal valid NIfTI files so downstream nodes that inspect
// headers keep working; everything else gets marker content.
type StubLauncher struct {
	mu       sync.Mutex
	commands []string
}

// Marker is the content written into non-image stub artifacts.
const Marker = "stub-artifact\n"

// Launch implements tool.LaunchFunc.
func (s *StubLauncher) Launch(_ context.Context, req tool.Request) error {
	s.mu.Lock()
	s.commands = append(s.commands, req.Command)
	s.mu.Unlock()

	for _, v := range req.Outputs {
		var paths []string
		switch val := v.(type) {
		case string:
			paths = []string{val}
		case []string:
			paths = val
		}
		for _, p := range paths {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return err
			}
			if strings.HasSuffix(p, ".nii") || strings.HasSuffix(p, ".nii.gz") {
				if err := WriteNIfTI(p, 1); err != nil {
					return err
				}
				continue
			}
			if err := os.WriteFile(p, []byte(Marker), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commands returns the tool names launched so far, in invocation order.
func (s *StubLauncher) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}
