package sqlinline

const QPerfEnsureTable = `--sql a5be5227-5c16-4e25-ac19-7972fb32084d
create table if not exists performance_records (
    id bigserial primary key,
    request_id text not null,
    task_id text not null default '',
    recorded_at timestamptz not null,
    success boolean not null,
    completed boolean not null,
    processing_time double precision not null default 0,
    api_response_time double precision not null default 0,
    error text not null default '',
    backend text not null default '',
    status text not null default ''
);
`

const QPerfEnsureIndex = `--sql 0bce92ea-7238-4382-9990-91c84b143faa
create index if not exists performance_records_recorded_at_idx
    on performance_records (recorded_at desc);
`

const QPerfInsert = `--sql b2beb169-d2f2-47b3-a333-f64c690f5790
insert into performance_records (
    request_id, task_id, recorded_at, success, completed,
    processing_time, api_response_time, error, backend, status
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

// QPerfListRecent returns the newest $1 records in chronological order. A null
// limit returns every record.
const QPerfListRecent = `--sql 1bd749e2-5383-415a-991b-45ce9bfd68e1
select request_id, task_id, recorded_at, success, completed,
       processing_time, api_response_time, error, backend, status
from (
    select *
    from performance_records
    order by recorded_at desc, id desc
    limit $1
) recent
order by recorded_at asc, id asc;
`
