package mediapipeline

import "errors"

var (
	ErrQueueClosed  = errors.New("mediapipeline: queue closed")
	ErrNoDownloader = errors.New("mediapipeline: no downloader configured")
	ErrNoUploader   = errors.New("mediapipeline: no uploader configured")
)
