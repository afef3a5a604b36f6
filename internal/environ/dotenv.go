package environ

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// WriteDotenv replaces path with one KEY="VALUE" line per variable, in
// key order. Every value is quoted with strconv.Quote; godotenv.Marshal
// leaves integer values bare.
func WriteDotenv(path string, env Env) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	var b strings.Builder
	for _, key := range env.Keys() {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(env.Get(key)))
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadDotenv loads a dotenv file such as one written by WriteDotenv.
// Uppercase $NAME references inside double quotes are expanded by the
// parser, so values are only exact when they contain none.
func ReadDotenv(path string) (Env, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return Env{}, fmt.Errorf("read %s: %w", path, err)
	}
	return New(vars), nil
}
