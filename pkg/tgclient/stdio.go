package tgclient

import "os"

func osStdoutWrite(p []byte) (int, error) {
	return os.Stdout.Write(p)
}
