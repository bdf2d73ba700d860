package version

// Version is the current semantic version of the Fulcrum server.
const Version = "0.1.0"
