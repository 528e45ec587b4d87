//go:build !linux

package disk

import "github.com/levigo/neverpile-eureka-sub002/internal/storage"

func changeFeedSupported(string) bool { return false }

// SubscribeChanges is unavailable off Linux; callers fall back to polling.
func (s *Store) SubscribeChanges(string) (storage.ChangeSubscription, error) {
	return nil, storage.ErrNotImplemented
}
