package config

import "path/filepath"

// File and directory names inside the data directory. The layout is the
// serialization format; renaming anything here breaks existing libraries.
const (
	LockFileName       = ".library.lock"
	TrustTokenFileName = ".trust-token.icloud"
	LogFileName        = ".icloud-photos-sync.log"

	AssetDirName     = "_All-Photos"
	ArchiveDirName   = "_Archive"
	StashDirName     = ".stash"
	LostAndFoundName = "Lost+Found"

	ArchiveSentinelName = ".archive"
)

func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFileName)
}

func (c *Config) TrustTokenPath() string {
	return filepath.Join(c.DataDir, TrustTokenFileName)
}

func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, LogFileName)
}

func (c *Config) AssetDir() string {
	return filepath.Join(c.DataDir, AssetDirName)
}

func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, ArchiveDirName)
}
