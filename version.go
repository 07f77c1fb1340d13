package syncstore

// Version identifies the running service build, reported by the
// heartbeat endpoint.
const Version = "1.5.0"
