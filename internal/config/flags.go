package config

import "github.com/spf13/pflag"

// BindFlags registers the session flags on fs, writing into o.
// Hosts embed these in their own flag set.
func BindFlags(fs *pflag.FlagSet, o *FlagOverrides) {
	fs.StringVar(&o.BaseURL, "session-base-url", "", "API base URL")
	fs.StringVar(&o.Store, "session-store", "", "Session store backend (memory, file, keyring, redis, postgres)")
	fs.StringVar(&o.Dir, "session-dir", "", "Directory for the file store")
	fs.CountVar(&o.Verbose, "session-verbose", "Verbose session logging (repeat for more)")
}
