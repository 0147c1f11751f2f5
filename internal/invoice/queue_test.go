package invoice

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func names(docs []Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Name)
	}
	return out
}

var _ = Describe("Queue", func() {
	var queue *Queue

	BeforeEach(func() {
		queue = NewQueue()
	})

	Describe("Enqueue", func() {
		It("keeps upload order", func() {
			queue.Enqueue(doc("b.png"), doc("a.png"))
			queue.Enqueue(doc("c.pdf"))
			Expect(names(queue.List())).To(Equal([]string{"b.png", "a.png", "c.pdf"}))
		})

		It("ignores names that are already queued", func() {
			queue.Enqueue(doc("a.png"))
			docs, added := queue.Enqueue(Document{Name: "a.png", Data: []byte("other")}, doc("b.png"))
			Expect(names(docs)).To(Equal([]string{"a.png", "b.png"}))
			Expect(docs[0].Data).To(Equal([]byte("a.png")))
			Expect(names(added)).To(Equal([]string{"b.png"}))
		})

		It("deduplicates within one call", func() {
			docs, added := queue.Enqueue(doc("a.png"), doc("a.png"))
			Expect(docs).To(HaveLen(1))
			Expect(added).To(HaveLen(1))
		})

		It("reports nothing added when every name is queued", func() {
			queue.Enqueue(doc("a.png"))
			docs, added := queue.Enqueue(doc("a.png"))
			Expect(docs).To(HaveLen(1))
			Expect(added).NotTo(BeNil())
			Expect(added).To(BeEmpty())
		})
	})

	Describe("Remove", func() {
		BeforeEach(func() {
			queue.Enqueue(doc("a.png"), doc("b.png"), doc("c.png"))
		})

		It("removes the document at the index", func() {
			docs, err := queue.Remove(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(names(docs)).To(Equal([]string{"a.png", "c.png"}))
		})

		It("allows a removed name to be queued again", func() {
			_, err := queue.Remove(0)
			Expect(err).NotTo(HaveOccurred())
			docs, _ := queue.Enqueue(doc("a.png"))
			Expect(names(docs)).To(Equal([]string{"b.png", "c.png", "a.png"}))
		})

		DescribeTable("rejects positions the queue does not have",
			func(index int) {
				docs, err := queue.Remove(index)
				Expect(err).To(MatchError(ErrIndexOutOfRange))
				Expect(docs).To(HaveLen(3))
			},
			Entry("negative", -1),
			Entry("past the end", 3),
		)
	})

	Describe("Drain", func() {
		It("returns every document and empties the queue", func() {
			queue.Enqueue(doc("a.png"), doc("b.png"))
			Expect(names(queue.Drain())).To(Equal([]string{"a.png", "b.png"}))
			Expect(queue.Len()).To(Equal(0))
			Expect(queue.List()).To(BeEmpty())
		})

		It("returns an empty slice for an empty queue", func() {
			docs := queue.Drain()
			Expect(docs).NotTo(BeNil())
			Expect(docs).To(BeEmpty())
		})

		It("does not share storage with later enqueues", func() {
			queue.Enqueue(doc("a.png"), doc("b.png"))
			drained := queue.Drain()
			queue.Enqueue(doc("x.png"))
			Expect(names(drained)).To(Equal([]string{"a.png", "b.png"}))
		})
	})

	Describe("List", func() {
		It("returns a copy", func() {
			queue.Enqueue(doc("a.png"))
			docs := queue.List()
			docs[0].Name = "changed"
			Expect(names(queue.List())).To(Equal([]string{"a.png"}))
		})
	})
})
