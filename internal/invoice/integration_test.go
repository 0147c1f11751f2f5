package invoice_test

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-batch/internal/extraction"
	"github.com/zombor/invoice-batch/internal/invoice"
)

func pngPage(shade uint8) []byte {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(1, 1, color.Gray{Y: shade})
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

func chatReply(content string) http.HandlerFunc {
	return ghttp.CombineHandlers(
		ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
		ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
			"message": map[string]string{"role": "assistant", "content": content},
			"done":    true,
		}),
	)
}

var _ = Describe("Batch pipeline", func() {
	var (
		ollama  *ghttp.Server
		api     *ghttp.Server
		db      *invoice.BoltDB
		store   *invoice.LocalStorage
		tempDir string
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()

		var err error
		db, err = invoice.NewBoltDB(filepath.Join(tempDir, "runs.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err = invoice.NewLocalStorage(filepath.Join(tempDir, "exports"))
		Expect(err).NotTo(HaveOccurred())

		// The fake model answers in document order
		ollama = ghttp.NewServer()
		ollama.AppendHandlers(
			ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.RespondWith(http.StatusInternalServerError, "model crashed"),
			),
			chatReply(`{"invoices":[{"vendorName":"Acme","invoiceNumber":"INV-1","date":"01/03/2024","totalAmount":"$100.00"}]}`),
			chatReply("```json\n"+`{"invoices":[{"vendorName":"Acme","totalAmount":50},{"vendorName":"Beta","totalAmount":30,"items":[{"description":"Paper","quantity":3,"unitPrice":10,"total":30}]}]}`+"\n```"),
		)

		extractor, err := extraction.NewOllama(ollama.URL(), "llava")
		Expect(err).NotTo(HaveOccurred())
		runner, err := invoice.NewRunner(extractor, 0)
		Expect(err).NotTo(HaveOccurred())
		service := invoice.NewService(runner, db, store)
		server := invoice.NewServer(service, invoice.BasicAuth{})

		api = ghttp.NewServer()
		all := regexp.MustCompile(`^/`)
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
			api.RouteToHandler(method, all, server.ServeHTTP)
		}
	})

	AfterEach(func() {
		api.Close()
		ollama.Close()
		db.Close()
	})

	It("uploads documents, runs them and reports per vendor", func() {
		// --- Upload ---
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		for i, name := range []string{"A.png", "B.png", "C.png"} {
			part, err := writer.CreateFormFile("file", name)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(pngPage(uint8(i * 40)))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(api.URL()+"/api/documents", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		// --- Run ---
		resp, err = http.Post(api.URL()+"/api/runs", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var run invoice.Run
		Expect(json.NewDecoder(resp.Body).Decode(&run)).To(Succeed())
		resp.Body.Close()

		Expect(ollama.ReceivedRequests()).To(HaveLen(3))
		Expect(run.Result.Completed).To(BeTrue())
		Expect(run.Result.Failures).To(HaveLen(1))
		Expect(run.Result.Failures[0].Document).To(Equal("A.png"))
		Expect(run.Result.Records).To(HaveLen(3))
		Expect(run.Result.Records[0].Date).To(Equal("2024-03-01"))
		Expect(run.Result.Records[0].TotalAmount).To(Equal(100.0))
		Expect(run.Result.Records[2].Items).To(HaveLen(1))

		// --- Summary ---
		resp, err = http.Get(api.URL() + "/api/summary.csv")
		Expect(err).NotTo(HaveOccurred())
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("vendor,count,total\nAcme,2,150.00\nBeta,1,30.00\nTOTAL,3,180.00\n"))

		// --- Archive and exports ---
		archived, err := db.GetRun(run.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(archived.Summary.GrandTotal).To(Equal(int64(18000)))

		Expect(filepath.Join(tempDir, "exports", run.ID+"_summary.csv")).To(BeAnExistingFile())
		stored, err := os.ReadFile(filepath.Join(tempDir, "exports", run.ID+"_invoices.csv"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(stored)).To(ContainSubstring("Beta,,,,Paper,3,10,30.00"))

		// --- Retry the failure ---
		resp, err = http.Post(api.URL()+"/api/runs/"+run.ID+"/retry", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(api.URL() + "/api/documents")
		Expect(err).NotTo(HaveOccurred())
		var queued []invoice.Document
		Expect(json.NewDecoder(resp.Body).Decode(&queued)).To(Succeed())
		resp.Body.Close()
		Expect(queued).To(HaveLen(1))
		Expect(queued[0].Name).To(Equal("A.png"))
	})
})
