package audio

// Drain discards values from ch until it is closed. Event subscribers use it
// to wait out a closing stream without caring about what is left in it.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
