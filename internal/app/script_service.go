package app

import (
	"context"
	"os"
	"path/filepath"

	"github.com/dokzlo13/lifxd/internal/eventbus"
	"github.com/dokzlo13/lifxd/internal/script"
)

// ScriptService wraps the Lua runtime. All script execution happens on the
// runtime's single worker goroutine.
type ScriptService struct {
	path    string
	Runtime *script.Runtime
}

// NewScriptService creates the runtime. A relative path that does not exist
// is looked up next to the config file.
func NewScriptService(path, configPath string, lights script.Lights) *ScriptService {
	if !filepath.IsAbs(path) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = filepath.Join(filepath.Dir(configPath), path)
		}
	}
	return &ScriptService{path: path, Runtime: script.NewRuntime(lights)}
}

// LoadScript runs the script's top level. Must be called before Run.
func (s *ScriptService) LoadScript() error {
	return s.Runtime.LoadScript(s.path)
}

// Register forwards state changes to the script's handlers.
func (s *ScriptService) Register(bus *eventbus.Bus) {
	s.Runtime.Register(bus)
}

// Run is the Lua worker loop. It returns when ctx is done.
func (s *ScriptService) Run(ctx context.Context) error {
	s.Runtime.Run(ctx)
	return nil
}

// Close closes the Lua state. Call after Run has returned.
func (s *ScriptService) Close() {
	s.Runtime.Close()
}
