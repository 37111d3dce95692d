package client

import (
	"os"
	"path/filepath"
)

// SnapshotStore は最後に確認できたユーザーのローカルコピーを保存します。
// あくまでUIを即座に描くための楽観的なキャッシュであり、認証の真実の
// 所在はサーバー側セッションにあります。
type SnapshotStore interface {
	// Load は保存済みスナップショットを返します。無い場合は (nil, nil) を返します。
	Load() ([]byte, error)
	// Save はスナップショットを保存します。
	Save(data []byte) error
	// Clear はスナップショットを削除します。無くてもエラーにしません。
	Clear() error
}

// FileSnapshot はスナップショットを単一のJSONファイルに保存します。
type FileSnapshot struct {
	path string
}

// NewFileSnapshot は指定パスに保存する FileSnapshot を作成します。
func NewFileSnapshot(path string) *FileSnapshot {
	return &FileSnapshot{path: path}
}

// DefaultSnapshotPath はユーザー設定ディレクトリ配下の既定パスを返します。
func DefaultSnapshotPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "team-board", "user.json"), nil
}

// Load は保存済みスナップショットを読み込みます。
func (s *FileSnapshot) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Save はスナップショットを書き込みます。親ディレクトリが無ければ作成します。
func (s *FileSnapshot) Save(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Clear はスナップショットを削除します。
func (s *FileSnapshot) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
