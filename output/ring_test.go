package output

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestRingCapacity(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 4; i++ {
		test.That(t, r.Put(i), test.ShouldBeTrue)
	}
	test.That(t, r.Put(5), test.ShouldBeFalse)
	test.That(t, r.Len(), test.ShouldEqual, 4)
	test.That(t, r.Cap(), test.ShouldEqual, 4)

	for i := 1; i <= 4; i++ {
		v, ok := r.Get()
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, v, test.ShouldEqual, i)
	}
	_, ok := r.Get()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, r.Len(), test.ShouldEqual, 0)
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRing[int](3)
	next := 0
	for round := 0; round < 10; round++ {
		test.That(t, r.Put(round*2), test.ShouldBeTrue)
		test.That(t, r.Put(round*2+1), test.ShouldBeTrue)
		for i := 0; i < 2; i++ {
			v, ok := r.Get()
			test.That(t, ok, test.ShouldBeTrue)
			test.That(t, v, test.ShouldEqual, next)
			next++
		}
	}

	test.That(t, NewRing[int](0).Cap(), test.ShouldEqual, 1)
}

func TestRingConcurrentProducerConsumer(t *testing.T) {
	const total = 10000
	r := NewRing[int](8)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; {
			if r.Put(i) {
				i++
			}
		}
	}()

	got := make([]int, 0, total)
	for len(got) < total {
		if v, ok := r.Get(); ok {
			got = append(got, v)
		}
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("item %d is %d", i, v)
		}
	}
}
