// Package device enumerates audio output devices and reports device
// arrival and removal. The Provider interface is the seam the routing
// layer is written against; PortAudioProvider binds the real host
// audio API and StaticProvider serves fixed fixtures in tests.
package device
