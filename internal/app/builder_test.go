package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

func TestBuildPipeline(t *testing.T) {
	config := domain.DefaultConfig()
	config.Download.BaseDir = t.TempDir()
	config.Session.CookieFile = filepath.Join(config.Download.BaseDir, "missing-cookies.txt")

	pipeline, err := BuildPipeline(config, nil)
	require.NoError(t, err)
	assert.NotNil(t, pipeline)
}

func TestBuildPipeline_BadCookieFile(t *testing.T) {
	config := domain.DefaultConfig()
	config.Download.BaseDir = t.TempDir()
	// a directory cannot be read as a cookie file
	config.Session.CookieFile = config.Download.BaseDir
	require.DirExists(t, config.Session.CookieFile)

	_, err := BuildPipeline(config, nil)
	assert.Error(t, err)
}

func TestBuildPipeline_CookieFileLoaded(t *testing.T) {
	config := domain.DefaultConfig()
	config.Download.BaseDir = t.TempDir()
	config.Session.CookieFile = filepath.Join(config.Download.BaseDir, "cookies.txt")
	cookies := "# Netscape HTTP Cookie File\n.bilibili.com\tTRUE\t/\tFALSE\t4102444800\tSESSDATA\tsecret\n"
	require.NoError(t, os.WriteFile(config.Session.CookieFile, []byte(cookies), 0600))

	_, err := BuildPipeline(config, nil)
	require.NoError(t, err)
}
