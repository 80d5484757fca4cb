// Package dotenv loads a local .env file if one exists; a missing file is
// not an error so production hosts can rely on real environment variables.
package dotenv

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func Load(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
