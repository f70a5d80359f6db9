package advert

// crashForTest stops the bus goroutines without disposing advertisements or
// removing the heartbeat key, simulating a participant that dies uncleanly.
func (b *Bus) crashForTest() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.wg.Wait()
	})
}
