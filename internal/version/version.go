package version

// Version is the current version of semload.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.1.0"

// Name is the application name.
const Name = "semload"

// Description is a short description of the application.
const Description = "Warehouse loader and semantic view compiler for split tabular exports"
