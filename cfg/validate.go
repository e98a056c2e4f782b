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

package cfg

import (
	"fmt"
	"net/url"
)

const (
	CacheSizeMbInvalidValueError = "the value of cache-size-mb can't be negative"
	NetTimeoutInvalidValueError  = "net-timeout must be positive"
	RootcapRequiredError         = "rootcap must be set to mount a non-empty root"
)

func isValidNodeURL(u string) error {
	if u == "" {
		return fmt.Errorf("node-url must be set")
	}
	parsed, err := url.Parse(u)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("node-url must be an absolute URL, got %q", u)
	}
	return nil
}

func isValidGatewayConfig(c *GatewayConfig) error {
	if err := isValidNodeURL(c.NodeURL); err != nil {
		return err
	}
	if c.NetTimeout <= 0 {
		return fmt.Errorf(NetTimeoutInvalidValueError)
	}
	return nil
}

func isValidCacheConfig(c *CacheConfig) error {
	if c.CacheSizeMb < 0 {
		return fmt.Errorf(CacheSizeMbInvalidValueError)
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := isValidGatewayConfig(&config.Gateway); err != nil {
		return fmt.Errorf("error parsing gateway config: %w", err)
	}

	if err := isValidCacheConfig(&config.Cache); err != nil {
		return fmt.Errorf("error parsing cache config: %w", err)
	}

	return nil
}
