// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/riverfs/riverfs/cfg"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error
	MountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "riverfs [flags] mount_point",
	Short: "Mount a remote content-addressed gateway locally as a POSIX filesystem",
	Long: `riverfs exposes a remote content-addressed gateway (identified by a
          node URL and a root capability string) as a local POSIX-ish
          filesystem, with a persistent block-level cache and a background
          upload/download sync path.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.ValidateConfig(&MountConfig); err != nil {
			return err
		}
		mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}
		return mountFileSystem(mountPoint, &MountConfig)
	},
}

func populateArgs(args []string) (mountPoint string, err error) {
	if len(args) != 1 {
		err = fmt.Errorf(
			"%s takes exactly one argument, the mount point. Run `%s --help` for more info.",
			path.Base(os.Args[0]),
			path.Base(os.Args[0]))
		return
	}

	// Canonicalize the mount point, making it absolute. This is important when
	// daemonizing, since the daemon will change its working directory before
	// running this code again.
	mountPoint, err = filepath.Abs(args[0])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
		return
	}
	return
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to the config-file")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func unmarshalOpt(dc *mapstructure.DecoderConfig) {
	dc.DecodeHook = cfg.DecodeHook()
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&MountConfig, unmarshalOpt)
		return
	}
	// Use config file from the flag.
	resolved, err := filepath.Abs(cfgFile)
	if err != nil {
		configFileErr = fmt.Errorf("error while resolving config file path: %w", err)
		return
	}
	viper.SetConfigFile(resolved)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("error while reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&MountConfig, unmarshalOpt)
}
