package config

import "time"

var (
	MegaAPIRequestTimeout    = 10 * time.Second
	FolderListRequestTimeout = 20 * time.Second
	DownloadIdleTimeout      = 30 * time.Second
	StatusUpdateInterval     = 5 * time.Second
	StatusUpdateByteDelta    = int64(8 * 1024 * 1024)
	TerminalTaskRetention    = 2 * time.Minute
)
