package cas

// SetAfterIndexRead installs fn to run after a disk read has looked up its
// index record and before it loads the payload.
func (s *Store) SetAfterIndexRead(fn func()) {
	s.disk.afterIndexRead = fn
}
