package server

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/agro-preprocess/constants"
	"github.com/joseph-ayodele/agro-preprocess/internal/async"
	"github.com/joseph-ayodele/agro-preprocess/internal/export"
	"github.com/joseph-ayodele/agro-preprocess/internal/objectstore"
	"github.com/joseph-ayodele/agro-preprocess/internal/raster"
	"github.com/joseph-ayodele/agro-preprocess/internal/repository"
	"github.com/joseph-ayodele/agro-preprocess/internal/sensors"
	jobsvc "github.com/joseph-ayodele/agro-preprocess/internal/services/jobs"
	"github.com/joseph-ayodele/agro-preprocess/internal/testutil"
	"github.com/joseph-ayodele/agro-preprocess/internal/tiling"
	"github.com/joseph-ayodele/agro-preprocess/internal/utils"
)

func newTestClient(t *testing.T) (*Client, grpc_health_v1.HealthClient) {
	t.Helper()
	conn := newTestConn(t)
	return NewClient(conn), grpc_health_v1.NewHealthClient(conn)
}

// newTestConn serves the preprocess, health and reflection services over bufconn.
func newTestConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	log := testutil.Logger()
	db := testutil.NewSQLite(t)
	jobs := repository.NewJobRepository(db, log)
	tiles := repository.NewTileRepository(db, log)
	readings := repository.NewReadingRepository(db, log)
	store := objectstore.NewMemory("uav-raw", "uav-tiles")

	sched := async.NewScheduler(jobs, log, async.WithWorkers(2))
	engine := tiling.NewEngine(store, tiles, "uav-tiles", tiling.WithLogger(log))
	normalizer := sensors.NewNormalizer(readings, log)
	svc, err := jobsvc.NewService(jobsvc.Deps{
		Jobs: jobs, Tiles: tiles, Readings: readings, Store: store, Dispatcher: sched,
		Handlers: map[constants.JobType]async.Handler{
			constants.JobTypeTileUAVImage:   engine.Handle,
			constants.JobTypeSensorCleaning: normalizer.Handle,
		},
	}, "uav-raw", jobsvc.DefaultDefaults(), log)
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogging(log)))
	RegisterPreprocessServiceServer(srv, NewPreprocessServer(svc, export.NewService(jobs, tiles, readings, log), log))
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(srv)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})
	return conn
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(v)
	require.NoError(t, err)
	return s
}

func waitStatus(t *testing.T, c *Client, jobID string) *structpb.Struct {
	t.Helper()
	var job *structpb.Struct
	require.Eventually(t, func() bool {
		j, err := c.GetJob(context.Background(), mustStruct(t, map[string]any{"job_id": jobID}))
		if err != nil {
			return false
		}
		job = j
		st := utils.StringField(j, "status")
		return st == "completed" || st == "failed"
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestHealth(t *testing.T) {
	_, hc := newTestClient(t)
	resp, err := hc.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestSubmitAndFollowSensorJob(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	job, err := c.SubmitJob(ctx, mustStruct(t, map[string]any{
		"job_type": "sensor-cleaning",
		"payload": map[string]any{
			"parcel_id": "p7",
			"readings": []any{
				map[string]any{"sensor_id": "s1", "type": "humidite", "value": 55, "timestamp": "2024-06-01T08:00:00Z"},
				map[string]any{"sensor_id": "s1", "type": "humidite", "value": "n/a", "timestamp": "2024-06-01T09:00:00Z"},
			},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "pending", utils.StringField(job, "status"))
	assert.Equal(t, "sensor_cleaning", utils.StringField(job, "job_type"))

	done := waitStatus(t, c, utils.StringField(job, "id"))
	require.Equal(t, "completed", utils.StringField(done, "status"))
	result := utils.StructField(done, "result")
	n, err := utils.IntField(result, "normalized_count", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := c.LatestReadings(ctx, mustStruct(t, map[string]any{"parcel_id": "p7"}))
	require.NoError(t, err)
	assert.Len(t, latest.GetFields()["readings"].GetListValue().GetValues(), 1)

	page, err := c.ListJobs(ctx, mustStruct(t, map[string]any{"limit": 10}))
	require.NoError(t, err)
	total, err := utils.IntField(page, "total", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	xlsx, err := c.ExportJob(ctx, mustStruct(t, map[string]any{"job_id": utils.StringField(job, "id")}))
	require.NoError(t, err)
	assert.Equal(t, []byte("PK"), xlsx.GetValue()[:2])
}

func TestUploadImageryAndListTiles(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	im := raster.NewImage(96, 96, 2, raster.Float32)
	im.Transform = &raster.Affine{A: 1, C: 10, E: -1, F: 50}
	im.CRS = "EPSG:4326"
	data, err := raster.EncodeBytes(im, nil)
	require.NoError(t, err)

	resp, err := c.UploadImagery(ctx, mustStruct(t, map[string]any{
		"parcel_id":  "p1",
		"mission_id": "m2",
		"filename":   "ortho.tif",
		"data":       base64.StdEncoding.EncodeToString(data),
		"tile_size":  64,
		"overlap":    32,
	}))
	require.NoError(t, err)
	assert.Equal(t, "p1/m2/raw/ortho.tif", utils.StringField(resp, "object_name"))

	jobID := utils.StringField(utils.StructField(resp, "job"), "id")
	done := waitStatus(t, c, jobID)
	require.Equal(t, "completed", utils.StringField(done, "status"))

	// stride 32 over 96 pixels: origins 0 and 32 keep full tiles, 64 keeps a 32 pixel edge
	tiles, err := c.ListTiles(ctx, mustStruct(t, map[string]any{"parcel_id": "p1", "mission_id": "m2"}))
	require.NoError(t, err)
	assert.Len(t, tiles.GetFields()["tiles"].GetListValue().GetValues(), 9)

	byJob, err := c.ListTiles(ctx, mustStruct(t, map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	assert.Len(t, byJob.GetFields()["tiles"].GetListValue().GetValues(), 9)
}

func TestUploadImageryKeepsZeroOverlap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	data, err := raster.EncodeBytes(raster.NewImage(64, 64, 1, raster.Uint8), nil)
	require.NoError(t, err)
	upload := func(fields map[string]any) *structpb.Struct {
		fields["parcel_id"], fields["mission_id"], fields["filename"] = "p1", "m1", "flat.tif"
		fields["data"] = base64.StdEncoding.EncodeToString(data)
		resp, err := c.UploadImagery(ctx, mustStruct(t, fields))
		require.NoError(t, err)
		return waitStatus(t, c, utils.StringField(utils.StructField(resp, "job"), "id"))
	}

	job := upload(map[string]any{"tile_size": 32, "overlap": 0})
	require.Equal(t, "completed", utils.StringField(job, "status"))
	overlap, err := utils.IntField(utils.StructField(job, "payload"), "overlap", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, overlap)
	tilesCreated, err := utils.IntField(utils.StructField(job, "result"), "tiles_created", -1)
	require.NoError(t, err)
	assert.Equal(t, 4, tilesCreated)

	// an absent or null overlap still takes the default
	job = upload(map[string]any{"tile_size": 128, "overlap": nil})
	overlap, err = utils.IntField(utils.StructField(job, "payload"), "overlap", -1)
	require.NoError(t, err)
	assert.Equal(t, 64, overlap)
}

func TestErrorCodes(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	tests := []struct {
		name string
		call func() error
		code codes.Code
	}{
		{"unknown job type", func() error {
			_, err := c.SubmitJob(ctx, mustStruct(t, map[string]any{"job_type": "forecast"}))
			return err
		}, codes.InvalidArgument},
		{"schema violation", func() error {
			_, err := c.SubmitJob(ctx, mustStruct(t, map[string]any{"job_type": "tile_uav_image", "payload": map[string]any{}}))
			return err
		}, codes.InvalidArgument},
		{"missing job", func() error {
			_, err := c.GetJob(ctx, mustStruct(t, map[string]any{"job_id": "job_nope"}))
			return err
		}, codes.NotFound},
		{"fractional limit", func() error {
			_, err := c.ListJobs(ctx, mustStruct(t, map[string]any{"limit": 1.5}))
			return err
		}, codes.InvalidArgument},
		{"bad base64", func() error {
			_, err := c.UploadImagery(ctx, mustStruct(t, map[string]any{"parcel_id": "p", "mission_id": "m", "data": "%%%"}))
			return err
		}, codes.InvalidArgument},
		{"export without id", func() error {
			_, err := c.ExportJob(ctx, mustStruct(t, map[string]any{}))
			return err
		}, codes.InvalidArgument},
		{"export missing job", func() error {
			_, err := c.ExportJob(ctx, mustStruct(t, map[string]any{"job_id": "job_nope"}))
			return err
		}, codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestReflectionDescribesService(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := rpb.NewServerReflectionClient(newTestConn(t)).ServerReflectionInfo(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_ListServices{},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	var services []string
	for _, s := range resp.GetListServicesResponse().GetService() {
		services = append(services, s.GetName())
	}
	assert.Contains(t, services, ServiceName)

	require.NoError(t, stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: ServiceName},
	}))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.Nil(t, resp.GetErrorResponse())
	files := resp.GetFileDescriptorResponse().GetFileDescriptorProto()
	require.NotEmpty(t, files)

	var fdp descriptorpb.FileDescriptorProto
	require.NoError(t, proto.Unmarshal(files[0], &fdp))
	assert.Equal(t, ProtoFile, fdp.GetName())
	require.Len(t, fdp.GetService(), 1)
	outputs := map[string]string{}
	for _, m := range fdp.GetService()[0].GetMethod() {
		assert.Equal(t, ".google.protobuf.Struct", m.GetInputType(), m.GetName())
		outputs[m.GetName()] = m.GetOutputType()
	}
	assert.Len(t, outputs, len(PreprocessServiceDesc.Methods))
	assert.Equal(t, ".google.protobuf.BytesValue", outputs["ExportJob"])
	assert.Equal(t, ".google.protobuf.Struct", outputs["UploadImagery"])
	require.NoError(t, stream.CloseSend())

	assert.Equal(t, ServiceName, string(ServiceFile.Services().Get(0).FullName()))
}
