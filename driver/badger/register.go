package badger

import "github.com/gobeaver/storekit"

func init() {
	storekit.RegisterBuilder(Scheme, func(options map[string]string) (storekit.Builder, error) {
		cfg := &Config{}
		if err := storekit.DecodeConfig(Scheme, options, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}
