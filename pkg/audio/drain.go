package audio

// Drain reads from ch until it is closed, discarding every value. Use it when
// abandoning a streaming synthesis channel so the producer goroutine is not
// left blocked on a send.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
