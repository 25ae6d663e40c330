package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	configDirName  = ".eolo"
	configFileName = "config"
	configFileType = "json"
	envVarPrefix   = "EOLO"
	configDirPerm  = 0o755
	configFilePerm = 0o644
)

type InitArgs struct {
	Config    string
	ConfigDir string
}

func Init(args InitArgs) error {
	var configDir string
	if args.ConfigDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		configDir = filepath.Join(homeDir, configDirName)
	} else {
		configDir = args.ConfigDir
	}

	viper.AddConfigPath(configDir)
	viper.SetConfigPermissions(configFilePerm)
	viper.SetConfigType(configFileType)
	viper.SetConfigName(configFileName)
	viper.SetEnvPrefix(envVarPrefix)

	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		if err := os.MkdirAll(configDir, configDirPerm); err != nil {
			return err
		}
	}

	// Allow environment variables to be accessed through viper *if* bound.
	// viper.Get() always first checks the config file.
	viper.AutomaticEnv()
	viper.SetTypeByDefaultValue(true)
	viper.ReadInConfig()

	if args.Config != "" {
		// a config passed as a string is temporary, so it is never written back
		reader := strings.NewReader(args.Config)
		if err := viper.MergeConfig(reader); err != nil {
			return err
		}
	}

	return nil
}
