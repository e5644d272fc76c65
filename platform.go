package sar

import (
	"fmt"
	"runtime"
)

// GameDirectory identifies which content root an archive belongs to.
type GameDirectory uint16

const (
	DirectoryUnknown GameDirectory = iota // never valid on disk
	DirectoryConfig
	DirectoryContent
)

func (d GameDirectory) String() string {
	switch d {
	case DirectoryConfig:
		return "Config"
	case DirectoryContent:
		return "Content"
	default:
		return "Unknown"
	}
}

// Platform identifies the target platform an archive was built for.
type Platform uint8

const (
	PlatformPC Platform = iota
	PlatformIOS
	PlatformAndroid
	PlatformLinux
)

func (p Platform) String() string {
	switch p {
	case PlatformPC:
		return "PC"
	case PlatformIOS:
		return "IOS"
	case PlatformAndroid:
		return "Android"
	case PlatformLinux:
		return "Linux"
	default:
		return "Unknown"
	}
}

// CurrentPlatform returns the platform of the running process. Headers from
// versions that predate the platform field report this value.
func CurrentPlatform() Platform {
	switch runtime.GOOS {
	case "ios":
		return PlatformIOS
	case "android":
		return PlatformAndroid
	case "linux":
		return PlatformLinux
	default:
		return PlatformPC
	}
}

// CompressionDictName returns the in-archive filename of the shared zstd
// compression dictionary for a platform. Whether an archive actually carries
// a dictionary is determined by the presence of this entry in its file table.
func CompressionDictName(p Platform) string {
	return fmt.Sprintf("pkgcdict_%s.dat", p)
}
