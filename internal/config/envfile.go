package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFile はENV_FILEが未設定の場合に読み込む.envファイルのパス。
const DefaultEnvFile = ".env"

// LoadEnvFile は.envファイルの値を環境変数に設定する。
// 既に設定されている環境変数は上書きしない。
// pathが空の場合はENV_FILE、それも空の場合は".env"を使用する。
// ファイルが存在しない場合は何もせずfalseを返す。
func LoadEnvFile(path string) (bool, error) {
	if path == "" {
		path = getEnvString("ENV_FILE", DefaultEnvFile)
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return true, nil
}
