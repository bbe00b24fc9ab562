// Package pipeline is the composition root for track reconstruction:
// it wires the Event Builder, Hit Ingester, Clipboard, Clusterizer,
// Tracklet Finder and Track Fitter into one per-event run loop.
//
// It imports clipboard, tracklet, fitter, geometry and recoerr
// directly and reaches the Event Builder, Hit Ingester and Clusterizer
// through its stage interfaces; none of those packages import pipeline.
package pipeline
