// Package config loads environment-driven configuration structs.
//
// It wraps github.com/joho/godotenv for .env files and
// github.com/caarlos0/env/v11 for struct tags. Load parses each config type
// once and caches it for the life of the process:
//
//	var cfg jobkit.Config
//	config.MustLoad(&cfg)
//
// Parse skips the cache and accepts options, which is what the engine uses
// when the same struct is parsed several times (per queue, per test):
//
//	var qc queue.Config
//	err := config.Parse(&qc, config.WithPrefix("MEDIA_"))
//
// Failures wrap ErrParsingConfig and can be matched with errors.Is.
package config
