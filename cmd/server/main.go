package main

import (
	_ "github.com/eleven-am/live-transcribe/docs"
	"github.com/eleven-am/live-transcribe/internal/bootstrap"
)

// @title Live Transcribe API
// @version 1.0.0
// @description Relays browser audio to a streaming transcription provider and returns transcripts over the same socket

// @BasePath /
func main() {
	bootstrap.Run()
}
