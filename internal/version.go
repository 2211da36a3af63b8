package internal

// Version is the build version reported by the admin endpoint. Overridden at
// release time via -ldflags "-X wirechat/internal.Version=...".
var Version = "dev"
