package config

// Version is the build version, overridden at release time via
// -ldflags "-X github.com/actorkit/kjournal/pkg/config.Version=...".
var Version = "dev"
