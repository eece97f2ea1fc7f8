package cfile_test

import (
	"bytes"
	"fmt"

	"github.com/bsm/cfile"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

var _ = Describe("Reader", func() {
	var subject *cfile.TreeReader

	drain := func(iter *cfile.Iterator) []uint32 {
		defer iter.Release()

		var vals []uint32
		for iter.Next() {
			vals = append(vals, iter.Value())
		}
		Expect(iter.Err()).NotTo(HaveOccurred())
		return vals
	}

	// The following will seed 100 values (0, 4, ..., 396) into
	// small blocks across multiple index levels.
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100, 4, &cfile.WriterOptions{BlockSize: 64})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should init", func() {
		Expect(subject.Identifier()).To(Equal("test"))
		Expect(subject.NumValues()).To(Equal(uint64(100)))
		Expect(subject.Levels()).To(BeNumerically(">=", 1))

		tr10k, err := seedReader(10000, 1, &cfile.WriterOptions{BlockSize: 64})
		Expect(err).NotTo(HaveOccurred())
		Expect(tr10k.Levels()).To(BeNumerically(">", subject.Levels()))
	})

	It("should check values", func() {
		for v := uint32(0); v <= 396; v += 4 {
			Expect(subject.Contains(v)).To(BeTrue(), "for %d", v)
		}
		Expect(subject.Contains(1)).To(BeFalse())
		Expect(subject.Contains(395)).To(BeFalse())
		Expect(subject.Contains(400)).To(BeFalse())
	})

	It("should search blocks", func() {
		first, err := subject.SearchBlock(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.SearchBlock(3)).To(Equal(first))

		last, err := subject.SearchBlock(396)
		Expect(err).NotTo(HaveOccurred())
		Expect(last).NotTo(Equal(first))
		Expect(subject.SearchBlock(1 << 31)).To(Equal(last))

		prev := first
		for v := uint32(0); v <= 396; v++ {
			ptr, err := subject.SearchBlock(v)
			Expect(err).NotTo(HaveOccurred())
			Expect(ptr.Offset()).To(BeNumerically(">=", prev.Offset()))
			prev = ptr
		}
	})

	It("should not find keys before the first value", func() {
		f := new(memFile)
		w := cfile.NewWriter(f, &cfile.WriterOptions{BlockSize: 64})
		Expect(w.Start()).To(Succeed())

		small, err := w.AddTree(cfile.TreeMeta{Identifier: "small"})
		Expect(err).NotTo(HaveOccurred())
		large, err := w.AddTree(cfile.TreeMeta{Identifier: "large"})
		Expect(err).NotTo(HaveOccurred())
		for v := uint32(100); v < 1000; v++ {
			if v < 103 {
				Expect(small.Append(v)).To(Succeed())
			}
			Expect(large.Append(v)).To(Succeed())
		}
		Expect(w.Finish()).To(Succeed())

		r, err := f.Reader()
		Expect(err).NotTo(HaveOccurred())
		for _, id := range []string{"small", "large"} {
			tree, err := r.Tree(id)
			Expect(err).NotTo(HaveOccurred())

			_, err = tree.SearchBlock(99)
			Expect(cfile.IsNotFound(err)).To(BeTrue(), "for %s", id)
			Expect(tree.SearchBlock(100)).To(BeAssignableToTypeOf(cfile.BlockPointer{}))
		}
	})

	It("should read interleaved trees", func() {
		f := new(memFile)
		w := cfile.NewWriter(f, &cfile.WriterOptions{BlockSize: 64})
		Expect(w.Start()).To(Succeed())

		trees := make([]*cfile.TreeBuilder, 3)
		for i := range trees {
			var err error
			trees[i], err = w.AddTree(cfile.TreeMeta{Identifier: fmt.Sprintf("col%d", i)})
			Expect(err).NotTo(HaveOccurred())
		}
		for v := uint32(0); v < 500; v++ {
			for i, tree := range trees {
				Expect(tree.Append(v * uint32(i+1))).To(Succeed())
			}
		}
		Expect(w.Finish()).To(Succeed())

		r, err := f.Reader()
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NumTrees()).To(Equal(3))
		Expect(r.Identifiers()).To(Equal([]string{"col0", "col1", "col2"}))

		for i := range trees {
			tree, err := r.Tree(fmt.Sprintf("col%d", i))
			Expect(err).NotTo(HaveOccurred())

			iter, err := tree.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			vals := drain(iter)
			Expect(vals).To(HaveLen(500))
			for j, v := range vals {
				Expect(v).To(Equal(uint32(j * (i + 1))))
			}
		}

		_, err = r.Tree("col3")
		Expect(cfile.IsNotFound(err)).To(BeTrue())
	})

	It("should trim partial groups", func() {
		for n := 1; n <= 9; n++ {
			tree, err := seedReader(n, 3, nil)
			Expect(err).NotTo(HaveOccurred())

			iter, err := tree.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(drain(iter)).To(HaveLen(n), "for %d values", n)
		}

		for _, n := range []int{51, 52, 53, 105} {
			tree, err := seedReader(n, 1, &cfile.WriterOptions{BlockSize: 64})
			Expect(err).NotTo(HaveOccurred())

			iter, err := tree.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			vals := drain(iter)
			Expect(vals).To(HaveLen(n), "for %d values", n)
			Expect(vals[n-1]).To(Equal(uint32(n - 1)))
		}
	})

	It("should seek across duplicate values", func() {
		f := new(memFile)
		w := cfile.NewWriter(f, &cfile.WriterOptions{BlockSize: 64})
		Expect(w.Start()).To(Succeed())

		tree, err := w.AddTree(cfile.TreeMeta{Identifier: "dups"})
		Expect(err).NotTo(HaveOccurred())
		Expect(tree.Append(5)).To(Succeed())
		for i := 0; i < 1000; i++ {
			Expect(tree.Append(7)).To(Succeed())
		}
		Expect(tree.Append(8)).To(Succeed())
		Expect(w.Finish()).To(Succeed())

		r, err := f.Reader()
		Expect(err).NotTo(HaveOccurred())
		tr, err := r.Tree("dups")
		Expect(err).NotTo(HaveOccurred())

		iter, err := tr.Seek(6)
		Expect(err).NotTo(HaveOccurred())
		vals := drain(iter)
		Expect(vals).To(HaveLen(1001))
		Expect(vals[0]).To(Equal(uint32(7)))
		Expect(vals[1000]).To(Equal(uint32(8)))

		Expect(tr.Contains(7)).To(BeTrue())
		Expect(tr.Contains(6)).To(BeFalse())
	})

	It("should support concurrent lookups", func() {
		var g errgroup.Group
		for i := 0; i < 8; i++ {
			g.Go(func() error {
				for v := uint32(0); v <= 396; v += 4 {
					ok, err := subject.Contains(v)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("value %d not found", v)
					}
				}
				return nil
			})
		}
		Expect(g.Wait()).To(Succeed())
	})

	Describe("Iterator", func() {
		It("should iterate from beginning", func() {
			iter, err := subject.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Value()).To(Equal(uint32(0)))

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Value()).To(Equal(uint32(4)))

			for i := 0; i < 97; i++ {
				Expect(iter.Next()).To(BeTrue())
			}

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Value()).To(Equal(uint32(396)))

			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should iterate from middle", func() {
			iter, err := subject.Seek(200)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Value()).To(Equal(uint32(200)))

			iter2, err := subject.Seek(201)
			Expect(err).NotTo(HaveOccurred())
			Expect(drain(iter2)).To(HaveLen(49))
		})

		It("should iterate from last entry", func() {
			iter, err := subject.Seek(396)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeTrue())
			Expect(iter.Value()).To(Equal(uint32(396)))

			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should not iterate when past the end", func() {
			iter, err := subject.Seek(1000)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			Expect(iter.Next()).To(BeFalse())
			Expect(iter.Err()).NotTo(HaveOccurred())
		})

		It("should stop after release", func() {
			iter, err := subject.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			iter.Release()
			Expect(iter.Next()).To(BeFalse())
		})
	})

	Describe("validation", func() {
		var data []byte

		BeforeEach(func() {
			f, err := seedFile(100, 4, &cfile.WriterOptions{BlockSize: 64})
			Expect(err).NotTo(HaveOccurred())
			data = f.Bytes()
		})

		open := func(p []byte) error {
			_, err := cfile.NewReader(bytes.NewReader(p), int64(len(p)))
			return err
		}

		It("should open valid files", func() {
			Expect(open(data)).To(Succeed())
		})

		It("should reject short files", func() {
			Expect(cfile.IsCorrupt(open(data[:27]))).To(BeTrue())
		})

		It("should reject bad magic", func() {
			p := append([]byte{}, data...)
			p[0] = 'x'
			Expect(cfile.IsCorrupt(open(p))).To(BeTrue())

			p = append([]byte{}, data...)
			p[len(p)-1]++
			Expect(cfile.IsCorrupt(open(p))).To(BeTrue())
		})

		It("should reject truncated files", func() {
			Expect(cfile.IsCorrupt(open(data[:len(data)-1]))).To(BeTrue())
		})

		corruptTree := func(p []byte) *cfile.TreeReader {
			r, err := cfile.NewReader(bytes.NewReader(p), int64(len(p)))
			Expect(err).NotTo(HaveOccurred())
			tr, err := r.Tree("test")
			Expect(err).NotTo(HaveOccurred())
			return tr
		}

		It("should reject corrupt root index blocks", func() {
			tr := corruptTree(data)
			Expect(tr.Levels()).To(BeNumerically(">=", 1))
			root := tr.Root()

			for _, pos := range []uint64{
				root.Offset(),     // count
				root.Offset() + 4, // key width
			} {
				p := append([]byte{}, data...)
				p[pos] += 8
				tr := corruptTree(p)

				_, err := tr.SearchBlock(200)
				Expect(cfile.IsCorrupt(err)).To(BeTrue(), "for %d", pos)

				_, err = tr.Seek(0)
				Expect(cfile.IsCorrupt(err)).To(BeTrue(), "for %d", pos)

				_, err = tr.Contains(200)
				Expect(cfile.IsCorrupt(err)).To(BeTrue(), "for %d", pos)
			}
		})

		It("should reject corrupt inner index blocks", func() {
			f, err := seedFile(10000, 1, &cfile.WriterOptions{BlockSize: 64})
			Expect(err).NotTo(HaveOccurred())
			data := f.Bytes()

			tr := corruptTree(data)
			Expect(tr.Levels()).To(BeNumerically(">=", 3))

			// find an index block off the left-most path
			var target cfile.BlockPointer
			var targetKey uint32
			ptr := tr.Root()
			for level := 0; level < tr.Levels()-1; level++ {
				idx := cfile.NewIndexBlockReader[uint32](data[ptr.Offset() : ptr.Offset()+uint64(ptr.Size())])
				Expect(idx.Parse()).To(Succeed())
				if n := idx.Count(); n > 1 {
					target, targetKey = idx.Pointer(n-1), idx.Key(n-1)
					break
				}
				ptr = idx.Pointer(0)
			}
			Expect(target.Size()).NotTo(BeZero())

			p := append([]byte{}, data...)
			p[target.Offset()+4] = 8
			tr = corruptTree(p)

			_, err = tr.SearchBlock(targetKey)
			Expect(cfile.IsCorrupt(err)).To(BeTrue())
			Expect(tr.SearchBlock(0)).To(Equal(mustSearchBlock(corruptTree(data), 0)))

			iter, err := tr.Seek(0)
			Expect(err).NotTo(HaveOccurred())
			defer iter.Release()

			var n uint32
			for iter.Next() {
				Expect(iter.Value()).To(Equal(n))
				n++
			}
			Expect(n).To(BeNumerically("<", targetKey+1))
			Expect(cfile.IsCorrupt(iter.Err())).To(BeTrue())
		})

		It("should reject corrupt single leaves", func() {
			f, err := seedFile(7, 10, nil)
			Expect(err).NotTo(HaveOccurred())
			data := f.Bytes()

			tr := corruptTree(data)
			Expect(tr.Levels()).To(BeZero())
			Expect(tr.Root().Size()).To(Equal(uint32(10)))
			Expect(tr.SearchBlock(0)).To(Equal(tr.Root()))
			Expect(tr.SearchBlock(1000)).To(Equal(tr.Root()))

			// header claims four 4-byte values, more than the 10 byte leaf
			p := append([]byte{}, data...)
			p[tr.Root().Offset()] = 0xff
			_, err = corruptTree(p).SearchBlock(0)
			Expect(cfile.IsCorrupt(err)).To(BeTrue())
		})

		It("should reject out-of-bounds directories", func() {
			p := append([]byte{}, data...)
			// directory size
			p[len(p)-20+8] = 0xff
			p[len(p)-20+9] = 0xff
			Expect(cfile.IsCorrupt(open(p))).To(BeTrue())
		})
	})
})

func mustSearchBlock(tr *cfile.TreeReader, key uint32) cfile.BlockPointer {
	ptr, err := tr.SearchBlock(key)
	Expect(err).NotTo(HaveOccurred())
	return ptr
}
