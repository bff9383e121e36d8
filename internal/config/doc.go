/*
Package config loads the transitsyncd configuration.

Values are layered, later sources winning:

	┌──────────────────────────────┐
	│  Command-line flags          │ ← Highest priority (-offline)
	└──────────────────────────────┘
	               │
	┌──────────────────────────────┐
	│  Environment variables       │
	│  (TRANSITSYNC_*)             │
	└──────────────────────────────┘
	               │
	┌──────────────────────────────┐
	│  YAML configuration file     │
	└──────────────────────────────┘
	               │
	┌──────────────────────────────┐
	│  Compiled-in defaults        │ ← Lowest priority
	└──────────────────────────────┘

# Example

	log:
	  level: info
	  format: json
	cache:
	  memory_capacity: 33554432
	  directory: /var/lib/transitsync
	  default_ttl: 10m
	  disk_max_age: 168h
	store:
	  path: /var/lib/transitsync/store.db
	remote:
	  base_url: https://api.example.com
	  timeout: 15s
	network:
	  interval: 30s
	  offline: false
	sync:
	  location_interval: 30s
	  route_interval: 6h
	  cleanup_interval: 1h
	  backup_interval: 24h
	backup:
	  bucket: transitsync-backups
	  region: us-east-1
	metrics:
	  enabled: true
	  port: 9090

The memory tier capacity is a plain byte count. A deployment that wants a
fraction of available memory computes it and sets TRANSITSYNC_CACHE_MEMORY,
which also accepts sizes such as "64MB".

# Environment Variables

	TRANSITSYNC_LOG_LEVEL, TRANSITSYNC_LOG_FORMAT
	TRANSITSYNC_CACHE_MEMORY, TRANSITSYNC_CACHE_DIR, TRANSITSYNC_CACHE_TTL, TRANSITSYNC_CACHE_DISK_MAX_AGE
	TRANSITSYNC_STORE_PATH
	TRANSITSYNC_API_URL, TRANSITSYNC_API_KEY, TRANSITSYNC_API_TIMEOUT, TRANSITSYNC_API_MAX_ATTEMPTS
	TRANSITSYNC_OFFLINE, TRANSITSYNC_METERED, TRANSITSYNC_NETWORK_INTERVAL
	TRANSITSYNC_SYNC_LOCATION_INTERVAL, TRANSITSYNC_SYNC_ROUTE_INTERVAL
	TRANSITSYNC_SYNC_CLEANUP_INTERVAL, TRANSITSYNC_SYNC_BACKUP_INTERVAL
	TRANSITSYNC_BACKUP_BUCKET, TRANSITSYNC_BACKUP_REGION, TRANSITSYNC_BACKUP_ENDPOINT, TRANSITSYNC_BACKUP_DIR
	TRANSITSYNC_METRICS_ENABLED, TRANSITSYNC_METRICS_PORT
*/
package config
