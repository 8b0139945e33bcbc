package common

import "time"

const (
	DefaultListen    = "127.0.0.1:8080"
	DefaultCheckCron = "*/30 * * * *"
	DefaultTimeout   = 30 * time.Second

	// DataDirName is the directory under the user cache dir holding the
	// control database and cached bodies.
	DataDirName  = "swdriver"
	DatabaseFile = "swdriver.db"
	CacheDirName = "caches"
)
