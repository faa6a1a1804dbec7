package hkextract

// Batcher splits the rows a sink writes into batches, one statement or round
// trip each.
//
// Ready-made batchers:
//   - [SizeBatcher]: fixed number of rows per batch
//   - [WeightedBatcher]: cumulative weight per batch (e.g. SQL parameter limits)
//   - [CombineBatchers]: several strategies applied in sequence
//
// Example:
//
//	// 10 columns per row, PostgreSQL's limit of 65535 bind parameters
//	b := hkextract.WeightedBatcher(func(DataPoint) int { return 10 }, 65535)
type Batcher[T any] interface {
	Batch(items []T) [][]T
}

// BatcherFunc adapts a plain function to the [Batcher] interface.
type BatcherFunc[T any] func(items []T) [][]T

func (f BatcherFunc[T]) Batch(items []T) [][]T {
	return f(items)
}

// SizeBatcher returns batches of at most maxSize items.
func SizeBatcher[T any](maxSize int) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		return chunk(items, maxSize)
	})
}

// WeightedBatcher returns batches whose summed weight stays within maxWeight.
// An item heavier than maxWeight gets a batch of its own; nothing is dropped.
func WeightedBatcher[T any](weigh func(T) int, maxWeight int) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		if len(items) == 0 || maxWeight <= 0 {
			return nil
		}

		var (
			batches [][]T
			from    int
			weight  int
		)
		for i, item := range items {
			w := weigh(item)
			if i > from && weight+w > maxWeight {
				batches = append(batches, items[from:i])
				from, weight = i, 0
			}
			weight += w
		}
		return append(batches, items[from:])
	})
}

// CombineBatchers feeds every batch produced by one batcher into the next.
//
// Example:
//
//	// parameter limit first, then at most 1000 rows per statement
//	b := hkextract.CombineBatchers(
//	    hkextract.WeightedBatcher(weigh, 65535),
//	    hkextract.SizeBatcher[Row](1000),
//	)
func CombineBatchers[T any](batchers ...Batcher[T]) Batcher[T] {
	return BatcherFunc[T](func(items []T) [][]T {
		if len(items) == 0 {
			return nil
		}
		current := [][]T{items}
		for _, b := range batchers {
			var next [][]T
			for _, batch := range current {
				next = append(next, b.Batch(batch)...)
			}
			current = next
		}
		return current
	})
}

// chunk splits items into sub-slices of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 || size <= 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		out = append(out, items[i:min(i+size, len(items))])
	}
	return out
}
