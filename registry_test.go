package pslse

import (
	"fmt"
	"sync"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test400_registry(t *testing.T) {

	cv.Convey("the registry keeps sessions newest first, looks them up by name, and tolerates removing the absent", t, func() {

		r := NewRegistry()
		cv.So(r.Head(), cv.ShouldBeNil)
		cv.So(r.Lookup("afu0.0"), cv.ShouldBeNil)

		a := &Psl{name: "afu0.0"}
		b := &Psl{name: "afu1.0"}
		r.Insert(a)
		r.Insert(b)

		cv.So(r.Len(), cv.ShouldEqual, 2)
		cv.So(r.Head(), cv.ShouldEqual, b)
		cv.So(r.Lookup("afu0.0"), cv.ShouldEqual, a)
		cv.So(r.Lookup("afu1.0"), cv.ShouldEqual, b)

		all := r.All()
		cv.So(len(all), cv.ShouldEqual, 2)
		cv.So(all[0], cv.ShouldEqual, b)
		cv.So(all[1], cv.ShouldEqual, a)

		r.Remove(b)
		cv.So(r.Head(), cv.ShouldEqual, a)
		cv.So(r.Lookup("afu1.0"), cv.ShouldBeNil)

		// removing again is harmless.
		r.Remove(b)
		cv.So(r.Len(), cv.ShouldEqual, 1)

		r.Remove(a)
		cv.So(r.Len(), cv.ShouldEqual, 0)
	})
}

func Test401_registry_concurrent(t *testing.T) {

	cv.Convey("concurrent insert and remove across sessions leave the registry empty and consistent", t, func() {

		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				p := &Psl{name: fmt.Sprintf("afu%v.%v", i%4, i%10)}
				r.Insert(p)
				r.Head()
				r.Remove(p)
			}(i)
		}
		wg.Wait()
		cv.So(r.Len(), cv.ShouldEqual, 0)
	})
}
