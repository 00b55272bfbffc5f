package devicesim

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camkit/camkit/api"
	"github.com/camkit/camkit/bundle"
	"github.com/camkit/camkit/cryptoutils"
	"github.com/camkit/camkit/device"
	"github.com/camkit/camkit/rendezvous"
)

const (
	testUser     = "root"
	testPassword = "secret"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startSim(t *testing.T, arch bundle.Arch) *Simulator {
	t.Helper()

	creds, err := NewCredentials(testUser, testPassword)
	require.NoError(t, err)

	sim, err := New(&Config{
		ListenAddr:  "127.0.0.1:0",
		Arch:        arch,
		Credentials: creds,
		ShellMode:   ShellEcho,
		Log:         discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, sim.RunInBackground())
	t.Cleanup(sim.Shutdown)
	return sim
}

func simClient(t *testing.T, sim *Simulator) *device.Client {
	t.Helper()
	target, err := device.ParseTarget(fmt.Sprintf("http://%s:%s@%s", testUser, testPassword, sim.Addr()))
	require.NoError(t, err)
	return device.NewClient(device.Config{Target: target, Log: discardLogger()})
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func buildShellBundle(t *testing.T, arch bundle.Arch, port int) (*bundle.Bundle, *cryptoutils.KeyMaterial, uuid.UUID) {
	t.Helper()

	id := uuid.New()
	keys, err := cryptoutils.GenerateSessionKeys(bundle.LoggerTag(id))
	require.NoError(t, err)
	t.Cleanup(keys.Destroy)

	b, err := bundle.BuildStart(bundle.StartSpec{
		SessionID:  id,
		Port:       port,
		Arch:       arch,
		DeviceKey:  keys.Device.Key,
		DeviceCert: keys.Device.Cert,
		ClientCA:   keys.CA,
	})
	require.NoError(t, err)
	return b, keys, id
}

func portOpen(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func TestInstallStartBundleOpensAdvertisedPort(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)
	client := simClient(t, sim)

	port := freePort(t)
	start, _, id := buildShellBundle(t, bundle.ArchAArch64, port)

	outcome, err := client.InstallPackage(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, device.OutcomePayloadLikelyRunning, outcome)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.True(t, portOpen(addr), "listener should be up after install")

	end, err := bundle.BuildEnd(bundle.EndSpec{SessionID: id, Arch: bundle.ArchAArch64})
	require.NoError(t, err)
	require.NoError(t, client.RemovePackage(context.Background(), end))

	require.Eventually(t, func() bool { return !portOpen(addr) },
		2*time.Second, 50*time.Millisecond, "listener should be down after the cleanup package")
}

func TestEndToEndEchoSession(t *testing.T) {
	sim := startSim(t, bundle.ArchARMv7HF)
	client := simClient(t, sim)

	port := freePort(t)
	start, keys, _ := buildShellBundle(t, bundle.ArchARMv7HF, port)

	outcome, err := client.InstallPackage(context.Background(), start)
	require.NoError(t, err)
	require.Equal(t, device.OutcomePayloadLikelyRunning, outcome)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := rendezvous.Connect(ctx, rendezvous.Endpoint{Host: "127.0.0.1", Port: port}, keys,
		rendezvous.Options{Deadline: 5 * time.Second, Log: discardLogger()})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Write([]byte("echo hi\n"))
	require.NoError(t, err)

	require.NoError(t, stream.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got bytes.Buffer
	buf := make([]byte, 256)
	for !strings.Contains(got.String(), "hi\n") {
		n, err := stream.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), "# ", "shell should prompt")
	assert.Contains(t, got.String(), "hi\n")
}

func TestInstallRejectsWrongArchitecture(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)
	client := simClient(t, sim)

	start, _, _ := buildShellBundle(t, bundle.ArchMIPS, freePort(t))

	outcome, err := client.InstallPackage(context.Background(), start)
	require.Equal(t, device.OutcomeRejected, outcome)

	var rejection *device.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, api.CodeUnsupportedArch, rejection.Code)
}

func rawUpload(t *testing.T, sim *Simulator, filename string, payload []byte) string {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField(api.ActionField, api.ActionInstall))
	fw, err := mw.CreateFormFile(api.PackageField, filename)
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, "http://"+sim.Addr()+api.UploadPath, &body)
	require.NoError(t, err)
	req.SetBasicAuth(testUser, testPassword)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func packageArchive(t *testing.T, conf string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     manifestName,
		Mode:     0o644,
		Size:     int64(len(conf)),
	}))
	_, err := tw.Write([]byte(conf))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestInstallRejectsCorruptArchive(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)

	resp := rawUpload(t, sim, "garbage.eap", []byte("this is not a gzip archive"))
	assert.Equal(t, fmt.Sprintf("Error: %d", api.CodeInvalidArchive), resp)
}

func TestInstallRejectsManifestWithoutRequiredKeys(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)

	conf := "PACKAGENAME=\"Half A Package\"\nAPPNAME=\"half\"\n"
	resp := rawUpload(t, sim, "half.eap", packageArchive(t, conf))
	assert.Equal(t, fmt.Sprintf("Error: %d", api.CodeMalformedManifest), resp)
}

func TestInstallCleanPackageReportsOK(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)

	conf := strings.Join([]string{
		`PACKAGENAME="Motion Monitor"`,
		`APPNAME="motionmon"`,
		`APPID="1234"`,
		`APPTYPE="aarch64"`,
		"",
	}, "\n")
	resp := rawUpload(t, sim, "motionmon.eap", packageArchive(t, conf))
	assert.Equal(t, "OK", resp)
}

func TestUploadSizeCap(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(api.PackageField, "huge.eap")
	require.NoError(t, err)
	_, err = fw.Write(make([]byte, maxPackageSize+1))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, api.UploadPath, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, req.Body, maxPackageSize)

	status, _ := sim.processUpload(req)
	assert.Equal(t, api.CodePackageTooLarge, status.Code)
}

func TestSystemLogRecordsBootstrapTrail(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)
	client := simClient(t, sim)

	port := freePort(t)
	start, _, id := buildShellBundle(t, bundle.ArchAArch64, port)

	_, err := client.InstallPackage(context.Background(), start)
	require.NoError(t, err)

	end, err := bundle.BuildEnd(bundle.EndSpec{SessionID: id, Arch: bundle.ArchAArch64})
	require.NoError(t, err)
	require.NoError(t, client.RemovePackage(context.Background(), end))

	entries, err := client.SystemLog(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// The parsed source keeps the pid suffix, "camkit shell <id>[pid]".
	listenerAt, terminatedAt := -1, -1
	for i, e := range entries {
		if !strings.HasPrefix(e.Source, bundle.LoggerTag(id)) {
			continue
		}
		if strings.Contains(e.Message, "starting shell listener") {
			listenerAt = i
		}
		if e.Message == "terminated" {
			terminatedAt = i
		}
	}
	require.GreaterOrEqual(t, listenerAt, 0, "log should record the listener start")
	require.GreaterOrEqual(t, terminatedAt, 0, "log should record the teardown")
	assert.Less(t, terminatedAt, listenerAt, "log serves newest entries first")
}

func TestAuthChallengeAndDigestRoundTrip(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)
	url := "http://" + sim.Addr() + api.SystemLogPath

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	challenge, err := api.ParseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
	require.NoError(t, err)
	assert.Equal(t, api.DigestRealm, challenge.Realm)

	authz, err := challenge.Authorization(testUser, testPassword, http.MethodGet, api.SystemLogPath, "0a4f113b", 1)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", authz)

	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAuthRejectsBadPassword(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)

	req, err := http.NewRequest(http.MethodGet, "http://"+sim.Addr()+api.SystemLogPath, nil)
	require.NoError(t, err)
	req.SetBasicAuth(testUser, "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadinessAndDrain(t *testing.T) {
	sim := startSim(t, bundle.ArchAArch64)
	base := "http://" + sim.Addr()

	get := func(path string) int {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/livez"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/drain"))
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz"))
	assert.Equal(t, http.StatusOK, get("/undrain"))
	assert.Equal(t, http.StatusOK, get("/readyz"))
}
