package storekit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Profiles is a set of named backend configurations read from a file:
//
//	[profiles.archive]
//	type = "s3"
//	bucket = "archive"
//	region = "eu-west-1"
//
// Any key can be overridden from the environment as
// STOREKIT_PROFILES_<NAME>_<KEY>.
type Profiles struct {
	v *viper.Viper
}

// LoadProfiles reads profiles from path. The format follows the file
// extension (toml, yaml, json).
func LoadProfiles(path string) (*Profiles, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("STOREKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}
	return &Profiles{v: v}, nil
}

// Names lists the configured profiles.
func (p *Profiles) Names() []string {
	names := make([]string, 0)
	for name := range p.v.GetStringMap("profiles") {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options returns the scheme and builder options of a profile.
func (p *Profiles) Options(name string) (Scheme, map[string]string, error) {
	key := "profiles." + strings.ToLower(name)
	if !p.v.IsSet(key) {
		return "", nil, fmt.Errorf("profile %q not found", name)
	}
	options := make(map[string]string)
	for k := range p.v.GetStringMap(key) {
		// Read through viper so environment overrides apply.
		options[k] = p.v.GetString(key + "." + k)
	}
	scheme := options["type"]
	delete(options, "type")
	if scheme == "" {
		return "", nil, fmt.Errorf("profile %q: type is required", name)
	}
	return Scheme(scheme), options, nil
}

// Open builds an Operator for the named profile.
func (p *Profiles) Open(name string, layers ...Layer) (*Operator, error) {
	scheme, options, err := p.Options(name)
	if err != nil {
		return nil, err
	}
	return Open(scheme, options, layers...)
}
