package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// FileEnv lists explicit dotenv files (comma separated) that replace the
// upward directory search.
const FileEnv = "TESTAGENT_ENV_FILE"

// localOverlay sits next to .env and takes precedence over it.
const localOverlay = ".env.local"

var (
	loadOnce    sync.Once
	loadedFiles []string
	loadErr     error
)

// Ensure loads the agent's dotenv files once per process. Variables already
// set in the process environment win over every file.
func Ensure() error {
	// unit tests stay hermetic unless GOTEST_LOAD_DOTENV=1
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		files, err := resolveDotEnv()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("testagent: search dotenv files failed")
			return
		}
		if len(files) == 0 {
			return
		}
		// godotenv.Load never overrides, so earlier files win.
		if err := godotenv.Load(files...); err != nil {
			loadErr = err
			log.Warn().Err(err).Strs("dotenv", files).Msg("testagent: load dotenv failed")
			return
		}
		loadedFiles = files
		log.Debug().Strs("dotenv", files).Msg("testagent: loaded dotenv")
	})
	return loadErr
}

// LoadedFiles returns the dotenv files applied by Ensure, highest precedence first.
func LoadedFiles() []string {
	return append([]string(nil), loadedFiles...)
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func resolveDotEnv() ([]string, error) {
	if raw := strings.TrimSpace(os.Getenv(FileEnv)); raw != "" {
		var files []string
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, err := os.Stat(part); err != nil {
				return nil, err
			}
			files = append(files, part)
		}
		return files, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return findDotEnv(wd)
}

// findDotEnv walks from dir to the filesystem root and returns the first
// directory's .env.local and .env, in that order.
func findDotEnv(dir string) ([]string, error) {
	for {
		var found []string
		for _, name := range []string{localOverlay, ".env"} {
			candidate := filepath.Join(dir, name)
			info, err := os.Stat(candidate)
			switch {
			case err == nil && !info.IsDir():
				found = append(found, candidate)
			case err != nil && !errors.Is(err, os.ErrNotExist):
				return nil, err
			}
		}
		if len(found) > 0 {
			return found, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
