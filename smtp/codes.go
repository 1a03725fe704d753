package smtp

// Reply codes used by the client engine.
var (
	C220ServiceReady = 220
	C235AuthSuccess  = 235

	C250Completed               = 250
	C251UserNotLocalWillForward = 251

	C334ContinueAuth = 334
	C354Continue     = 354
)
