package testdata

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "waferstack/internal/config"
	"waferstack/internal/diag"
	"waferstack/internal/encode"
	"waferstack/internal/pipeline"
	"waferstack/internal/stats"
	"waferstack/pkg/contract"
)

// loadJob 读取 jobs/ 下的作业配置，输出目录指向临时目录。
func loadJob(t *testing.T, name, outDir string) cfgpkg.Config {
	t.Helper()
	cfg, err := cfgpkg.LoadYAML(filepath.Join("jobs", name), nil)
	require.NoError(t, err)
	cfg = cfgpkg.Merge(cfgpkg.Defaults(), cfg)
	cfg.OutputDir = outDir
	return cfg
}

func runJob(t *testing.T, cfg cfgpkg.Config) (pipeline.Result, error) {
	t.Helper()
	comp, set, err := cfgpkg.Assemble(cfg)
	require.NoError(t, err)
	return pipeline.Run(context.Background(), comp, set, diag.NewNop())
}

func readOut(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	require.NoError(t, err)
	return string(b)
}

// 两层具体场景：WLBI(5) 与 CP1(4)
func TestE2EScenario(t *testing.T) {
	out := t.TempDir()
	res, err := runJob(t, loadJob(t, "scenario.yaml", out))
	require.NoError(t, err)
	assert.Equal(t, contract.Statistics{TotalTested: 2, TotalPass: 0, TotalFail: 2}, res.Stats)
	assert.Equal(t, "Device Name: DEV\nLot No.: L1\nWafer ID: W01\n\n25", readOut(t, out, "SCN_overlayed.txt"))
	assert.Contains(t, readOut(t, out, "SCN_overlayed.sinf"), "\n\nRowdata: 02 05 ")
}

// 完整作业：跳过、衬底排除、对位、四种格式、ink 与 debug 追踪
func TestE2EFullJob(t *testing.T) {
	out := t.TempDir()
	res, err := runJob(t, loadJob(t, "full.yaml", out))
	require.NoError(t, err)
	require.False(t, res.Failed(), "reports: %+v", res.Reports)

	// 跳过：衬底（未开启）与缺失文件
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, "substrate", res.Skipped[0].Layer)
	assert.ErrorIs(t, res.Skipped[0].Reason, pipeline.ErrSubstrateExcluded)
	assert.Equal(t, "fabCp", res.Skipped[1].Layer)
	assert.ErrorIs(t, res.Skipped[1].Reason, contract.ErrParseMissing)
	assert.ErrorIs(t, res.Skipped[1].Reason, os.ErrNotExist)

	offsets := map[string]pipeline.LayerOffset{}
	for _, o := range res.Offsets {
		offsets[o.Layer] = o
	}
	assert.True(t, offsets["cpProber/1"].Base)
	assert.Equal(t, 0, offsets["cpProber/2"].Offset.DX)
	assert.Equal(t, -2, offsets["wlbi"].Offset.DX)
	assert.Equal(t, -1, offsets["wlbi"].Offset.DY)
	assert.True(t, offsets["aoi"].Degenerate)

	assert.Equal(t, 12, res.Stats.TotalTested)
	assert.Equal(t, 8, res.Stats.TotalPass)
	assert.Equal(t, 4, res.Stats.TotalFail)

	mapex := readOut(t, out, "LOT7-W03_overlayed.txt")
	wantHeader := "Device Name: DEV\nTest Program: P2\nLot No.: L7\nWafer ID: W03\nDice SizeX: 2000\nDice SizeY: 1000\nTotal Tested: 12\nYield: 66.67%\n\n"
	assert.Equal(t, wantHeader+"7111\n3191\n111A", mapex)

	// 字符行与 die 列表统计一致
	rows := encode.ParseMapExRows(mapex)
	if diff := cmp.Diff([]string{"7111", "3191", "111A"}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, res.Stats, stats.FromRows(rows, stats.DefaultPassSet()))

	sinf := readOut(t, out, "LOT7-W03_overlayed.sinf")
	wantSinf := strings.Join([]string{
		"DEVICE:DEV", "LOT:L7", "WAFER:W03", "FNLOC:0", "ROWCT:3", "COLCT:4",
		"BCEQU:01", "REFPX:1", "REFPY:28", "DUTMS:MM", "XDIES:2.00000", "YDIES:1.00000",
		"",
		"Rowdata: 07 01 01 01 ",
		"Rowdata: 03 01 09 01 ",
		"Rowdata: 01 01 01 *A ",
	}, "\n")
	assert.Equal(t, wantSinf, sinf)

	assert.NotEmpty(t, readOut(t, out, "LOT7-W03_overlayed.WaferMap"))
	f, err := os.Open(filepath.Join(out, "LOT7-W03_overlayed.jpg"))
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	require.NoError(t, err)

	// ink：(1,2)=3 与 (3,2)=9 夹住 (2,2)
	require.NotNil(t, res.InkStats)
	assert.Equal(t, 7, res.InkStats.TotalPass)
	inkMapex := readOut(t, out, "Ink/LOT7-W03_overlayed.txt")
	assert.True(t, strings.HasSuffix(inkMapex, "Yield: 58.33%\n\n7111\n3z91\n111A"), inkMapex)
	for _, name := range []string{"Ink/LOT7-W03_overlayed.sinf", "Ink/LOT7-W03_overlayed.WaferMap", "Ink/LOT7-W03_overlayed.jpg"} {
		_, err := os.Stat(filepath.Join(out, filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}

	dbg := readOut(t, out, "debug.txt")
	for _, want := range []string{
		"1. cpProber/2 score=6 rule=CP2 dies=3\n",
		"wlbi: (-2, -1) markers=2/2 spread=(0.000, 0.000)\n",
		"aoi: (0, 0) degenerate\n",
		"substrate: skipped (substrate layer excluded)\n",
		"aoi priority=1 inserted=0 replaced=0 overridden=1 kept=0 ignored=0\n",
		"aoi (4,3) 1 -> A override\n",
		"Ink Pass: 7\n",
	} {
		assert.Contains(t, dbg, want)
	}
}

// 同一作业两次运行，全部工件逐字节一致
func TestE2EIdempotent(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	_, err := runJob(t, loadJob(t, "full.yaml", a))
	require.NoError(t, err)
	_, err = runJob(t, loadJob(t, "full.yaml", b))
	require.NoError(t, err)

	files := map[string]bool{}
	err = filepath.WalkDir(a, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(a, p)
		files[rel] = true
		assert.Equal(t, readOut(t, a, filepath.ToSlash(rel)), readOut(t, b, filepath.ToSlash(rel)), rel)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, files, 9)
}

// 合并后为空：致命，输出目录中没有任何工件
func TestE2EEmptyResult(t *testing.T) {
	out := t.TempDir()
	_, err := runJob(t, loadJob(t, "empty.yaml", out))
	require.ErrorIs(t, err, contract.ErrEmptyResult)
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// reject 策略：标记数量不一致的层被丢弃，其余照常输出
func TestE2ERejectMismatch(t *testing.T) {
	out := t.TempDir()
	cfg := loadJob(t, "full.yaml", out)
	cfg.Job.Layers = append(cfg.Job.Layers, cfgpkg.LayerEntry{Stage: "aoi", SubStage: "2", Path: "only_markers.yaml"})
	cfg.Job.Ink = new(bool)
	cfg.Job.DebugTrace = new(bool)
	res, err := runJob(t, cfg)
	require.NoError(t, err)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, "aoi/2", res.Skipped[2].Layer)
	assert.ErrorIs(t, res.Skipped[2].Reason, contract.ErrMarkerMismatch)
	assert.Equal(t, 12, res.Stats.TotalTested)
}
