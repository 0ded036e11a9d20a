// Package config loads the NLDS server configuration.
//
// One YAML file configures every worker process: the broker connection, a
// section per worker queue, the RPC and cronjob publishers, and the object
// store access policy. Byte-size options accept human readable values such
// as "5GB" or "256MB".
package config
