package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/benderick/EOLO-WEB/internal/config"
	"github.com/benderick/EOLO-WEB/internal/store"
	"github.com/benderick/EOLO-WEB/internal/supervisor"
)

func openStore() (*store.Store, error) {
	return store.Open(config.Get(config.DB_PATH))
}

func openSupervisor() (*supervisor.Supervisor, error) {
	st, err := openStore()
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Opts{Store: st})
}

func parseExperimentID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid experiment id %q", arg)
	}
	return uint(id), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
