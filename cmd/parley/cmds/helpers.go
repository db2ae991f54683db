package cmds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/parley/pkg/connection"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// selectConnection returns the connection named id, or the selected one if
// id is empty. It returns nil without error when nothing is configured.
func selectConnection(id string) (*connection.Config, error) {
	store, err := connection.LoadStore(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if id == "" {
		return store.Selected(), nil
	}
	c, ok := store.Get(id)
	if !ok {
		return nil, errors.Errorf("unknown connection %q, known: %s", id, strings.Join(store.IDs(), ", "))
	}
	return c, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
