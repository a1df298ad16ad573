//go:build integration
// +build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/bitrise-io/go-blobtransfer/network"
	"github.com/bitrise-io/go-blobtransfer/transfer"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

func listArchiveContents(path string) ([]string, error) {
	output, err := command.NewFactory(env.NewRepository()).
		Create("tar", []string{"-tf", path}, nil).
		RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list archive contents, out: %s, error: %w", output, err)
	}

	contentList := strings.Split(output, "\n")
	for i, content := range contentList {
		contentList[i] = strings.TrimSuffix(content, string(os.PathSeparator))
	}
	return contentList, nil
}

func httpEndpoint(t *testing.T) network.HTTPEndpoint {
	endpoint := network.HTTPEndpoint{
		BaseURL:   os.Getenv("BLOBXFER_URL"),
		Token:     os.Getenv("BLOBXFER_TOKEN"),
		Container: os.Getenv("BLOBXFER_CONTAINER"),
	}
	if endpoint.BaseURL == "" {
		t.Skip("BLOBXFER_URL is not set")
	}
	return endpoint
}

func testConfig() transfer.Config {
	config := transfer.DefaultConfig()
	config.ChunkSize = transfer.Size(1 << 20)
	config.HashAlgorithm = "sha256"
	return config
}

func objectName(t *testing.T) string {
	return fmt.Sprintf("integration/%s-%d", strings.ToLower(t.Name()), os.Getpid())
}
