package logfile

// Names of the files that make up one recorded session directory.
const (
	TagsFile      = "tags.tsv"
	DistancesFile = "distances.tsv"
	LidarFile     = "lidar.bin"
)

// RoverLogFileName is the raw receiver capture of a rover.
func RoverLogFileName(rover string) string {
	return "rover_" + rover + ".ubx"
}

// SyncFileName is the sync log of a rover.
func SyncFileName(rover string) string {
	return "sync_" + rover + ".tsv"
}
